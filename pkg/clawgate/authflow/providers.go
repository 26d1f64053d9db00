package authflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
)

// APIKeyProvider points the user at a console page and asks them to paste a
// key.
type APIKeyProvider struct {
	ProviderID  string
	DisplayName string
	ConsoleURL  string

	// Verify optionally checks the key before it is stored.
	Verify func(ctx context.Context, key string) error
}

func (p *APIKeyProvider) ID() string   { return p.ProviderID }
func (p *APIKeyProvider) Name() string { return p.DisplayName }

func (p *APIKeyProvider) Login(ctx context.Context, ui UI) (*credentials.Credential, error) {
	if p.ConsoleURL != "" {
		ui.ShowURL(p.ConsoleURL, "Create an API key, then paste it here.")
	}
	key, err := ui.Prompt(ctx, fmt.Sprintf("Paste your %s API key", p.DisplayName), "sk-...")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("no API key provided")
	}
	if p.Verify != nil {
		ui.Progress("Verifying key")
		if err := p.Verify(ctx, key); err != nil {
			return nil, fmt.Errorf("key rejected: %w", err)
		}
	}
	return &credentials.Credential{Provider: p.ProviderID, AccessToken: key}, nil
}

// PKCEProvider runs an OAuth authorization-code flow with a S256 PKCE
// challenge. The user pastes the code (or the whole redirect URL) back.
type PKCEProvider struct {
	ProviderID  string
	DisplayName string
	AuthURL     string
	TokenURL    string
	ClientID    string
	RedirectURI string
	Scopes      []string
	HTTPClient  *http.Client
}

func (p *PKCEProvider) ID() string   { return p.ProviderID }
func (p *PKCEProvider) Name() string { return p.DisplayName }

// AuthorizeURL builds the URL the user opens.
func (p *PKCEProvider) AuthorizeURL(state, challenge string) string {
	params := url.Values{
		"client_id":             {p.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {p.RedirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	if len(p.Scopes) > 0 {
		params.Set("scope", strings.Join(p.Scopes, " "))
	}
	sep := "?"
	if strings.Contains(p.AuthURL, "?") {
		sep = "&"
	}
	return p.AuthURL + sep + params.Encode()
}

func (p *PKCEProvider) Login(ctx context.Context, ui UI) (*credentials.Credential, error) {
	verifier, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	ui.ShowURL(p.AuthorizeURL(state, Challenge(verifier)),
		"Sign in, then paste the code (or the full redirect URL) shown afterwards.")
	pasted, err := ui.Prompt(ctx, "Paste the authorization code", "code")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code, gotState := parsePastedCode(pasted)
	if code == "" {
		return nil, errors.New("no authorization code provided")
	}
	if gotState != "" && gotState != state {
		return nil, errors.New("state mismatch")
	}

	ui.Progress("Exchanging authorization code")
	tok, err := postToken(ctx, httpClient(p.HTTPClient), p.TokenURL, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {p.ClientID},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {p.RedirectURI},
	})
	if err != nil {
		return nil, err
	}
	if tok.Error != "" {
		return nil, tok.err()
	}
	return tok.credential(p.ProviderID), nil
}

// Challenge is the S256 PKCE challenge of verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// parsePastedCode accepts "code", "code#state" or a redirect URL carrying
// code and state query parameters.
func parsePastedCode(s string) (code, state string) {
	s = strings.TrimSpace(s)
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		q := u.Query()
		return q.Get("code"), q.Get("state")
	}
	if c, st, ok := strings.Cut(s, "#"); ok {
		return c, st
	}
	return s, ""
}

// DeviceCodeProvider runs the OAuth device authorization grant (RFC 8628).
type DeviceCodeProvider struct {
	ProviderID  string
	DisplayName string
	DeviceURL   string
	TokenURL    string
	ClientID    string
	Scopes      []string
	HTTPClient  *http.Client

	// MinInterval floors the server's poll interval; zero means 1s.
	MinInterval time.Duration
}

func (p *DeviceCodeProvider) ID() string   { return p.ProviderID }
func (p *DeviceCodeProvider) Name() string { return p.DisplayName }

type deviceAuth struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

func (p *DeviceCodeProvider) Login(ctx context.Context, ui UI) (*credentials.Credential, error) {
	client := httpClient(p.HTTPClient)
	form := url.Values{"client_id": {p.ClientID}}
	if len(p.Scopes) > 0 {
		form.Set("scope", strings.Join(p.Scopes, " "))
	}

	body, status, err := postForm(ctx, client, p.DeviceURL, form)
	if err != nil {
		return nil, fmt.Errorf("device authorization request: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed with status %d: %s", status, truncate(body))
	}
	var da deviceAuth
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("parsing device authorization: %w", err)
	}
	if da.DeviceCode == "" || da.VerificationURI == "" {
		return nil, errors.New("device authorization response is incomplete")
	}

	link := da.VerificationURI
	if da.VerificationURIComplete != "" {
		link = da.VerificationURIComplete
	}
	ui.ShowURL(link, fmt.Sprintf("Open the link and enter code %s", da.UserCode))

	floor := p.MinInterval
	if floor <= 0 {
		floor = time.Second
	}
	interval := time.Duration(da.Interval) * time.Second
	if interval < floor {
		interval = floor
	}
	expires := time.Duration(da.ExpiresIn) * time.Second
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	deadline := time.NewTimer(expires)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("device code expired before authorization")
		case <-time.After(interval):
		}

		tok, err := postToken(ctx, client, p.TokenURL, url.Values{
			"grant_type":  {deviceGrantType},
			"device_code": {da.DeviceCode},
			"client_id":   {p.ClientID},
		})
		if err != nil {
			return nil, err
		}
		switch tok.Error {
		case "":
			return tok.credential(p.ProviderID), nil
		case "authorization_pending":
			ui.Progress("Waiting for authorization")
		case "slow_down":
			interval += 5 * time.Second
			ui.Progress("Waiting for authorization")
		default:
			return nil, tok.err()
		}
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t *tokenResponse) err() error {
	if t.ErrorDescription != "" {
		return fmt.Errorf("%s: %s", t.Error, t.ErrorDescription)
	}
	return errors.New(t.Error)
}

func (t *tokenResponse) credential(provider string) *credentials.Credential {
	c := &credentials.Credential{
		Provider:     provider,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		c.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return c
}

// postToken calls a token endpoint. OAuth error bodies are returned in
// tokenResponse.Error rather than as a Go error.
func postToken(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*tokenResponse, error) {
	body, status, err := postForm(ctx, client, endpoint, form)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	var tok tokenResponse
	if jerr := json.Unmarshal(body, &tok); jerr != nil {
		if status != http.StatusOK {
			return nil, fmt.Errorf("token exchange failed with status %d: %s", status, truncate(body))
		}
		return nil, fmt.Errorf("parsing token response: %w", jerr)
	}
	if tok.Error == "" && tok.AccessToken == "" {
		if status != http.StatusOK {
			return nil, fmt.Errorf("token exchange failed with status %d: %s", status, truncate(body))
		}
		return nil, errors.New("token response has no access token")
	}
	return &tok, nil
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
