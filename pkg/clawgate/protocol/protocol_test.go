package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
)

// recordingHandler notes which method Dispatch called.
type recordingHandler struct{ called []string }

func (h *recordingHandler) note(c Command) { h.called = append(h.called, c.CommandType()) }

func (h *recordingHandler) NewSession(c *NewSession)             { h.note(c) }
func (h *recordingHandler) ListSessions(c *ListSessions)         { h.note(c) }
func (h *recordingHandler) GetAuthProviders(c *GetAuthProviders) { h.note(c) }
func (h *recordingHandler) AuthLogin(c *AuthLogin)               { h.note(c) }
func (h *recordingHandler) AuthLogout(c *AuthLogout)             { h.note(c) }
func (h *recordingHandler) Prompt(c *Prompt)                     { h.note(c) }
func (h *recordingHandler) Abort(c *Abort)                       { h.note(c) }
func (h *recordingHandler) GetState(c *GetState)                 { h.note(c) }
func (h *recordingHandler) GetMessages(c *GetMessages)           { h.note(c) }
func (h *recordingHandler) SetModel(c *SetModel)                 { h.note(c) }
func (h *recordingHandler) Compact(c *Compact)                   { h.note(c) }
func (h *recordingHandler) Fork(c *Fork)                         { h.note(c) }
func (h *recordingHandler) Bash(c *Bash)                         { h.note(c) }
func (h *recordingHandler) ResetSession(c *ResetSession)         { h.note(c) }
func (h *recordingHandler) Unsubscribe(c *Unsubscribe)           { h.note(c) }
func (h *recordingHandler) AuthLoginInput(c *AuthLoginInput)     { h.note(c) }
func (h *recordingHandler) AuthLoginCancel(c *AuthLoginCancel)   { h.note(c) }

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"sessionId":"web_browser_1","command":{"type":"prompt","id":"7","message":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "web_browser_1", env.SessionID)

	p, ok := env.Command.(*Prompt)
	require.True(t, ok, "got %T", env.Command)
	assert.Equal(t, "7", p.ID)
	assert.Equal(t, "hi", p.Message)
	assert.Equal(t, SessionBound, p.Class())

	env, err = DecodeEnvelope([]byte(`{"command":{"type":"auth_login_input","loginFlowId":"f1","value":"code"}}`))
	require.NoError(t, err)
	in := env.Command.(*AuthLoginInput)
	assert.Equal(t, "f1", in.LoginFlowID)
	assert.Equal(t, FireAndForget, in.Class())
	assert.Empty(t, env.SessionID)
}

func TestDecodeEnvelope_ParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		wantID string
		is     error
	}{
		{"not json", `{nope`, "", nil},
		{"missing command", `{"sessionId":"x"}`, "", ErrMissingCommand},
		{"null command", `{"command":null}`, "", ErrMissingCommand},
		{"unknown type", `{"command":{"type":"explode","id":"42"}}`, "42", ErrUnknownCommand},
		{"bad field type", `{"command":{"type":"prompt","id":"3","message":5}}`, "3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.in))
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
			assert.Equal(t, tt.wantID, pe.ID)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			r := pe.Response()
			assert.Equal(t, ParseCommand, r.Command)
			assert.False(t, r.Success)
			assert.NotEmpty(t, r.Error)
		})
	}
}

func TestDispatch_EveryCommandReachesItsMethod(t *testing.T) {
	for typ, factory := range commandFactories {
		h := &recordingHandler{}
		cmd := factory()
		assert.Equal(t, typ, cmd.CommandType())
		Dispatch(cmd, h)
		assert.Equal(t, []string{typ}, h.called)
	}
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	data, err := EncodeEnvelope("s1", &SetModel{ID: "9", Model: "gpt"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1","command":{"type":"set_model","id":"9","model":"gpt"}}`, string(data))

	data, err = EncodeEnvelope("", &NewSession{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":{"type":"new_session"}}`, string(data))
}

func TestEncodeRequest_OverridesID(t *testing.T) {
	data, err := EncodeRequest("s1", "c-7", &Prompt{ID: "old", Message: "hi"})
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "c-7", env.Command.CommandID())
	assert.Equal(t, "hi", env.Command.(*Prompt).Message)
}

func TestEncodeResponse(t *testing.T) {
	data, err := EncodeResponse("s1", OK("1", "get_state", map[string]int{"n": 2}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"sessionId":"s1","event":{"type":"response","id":"1","command":"get_state","success":true,"data":{"n":2}}}`,
		string(data))

	data, err = EncodeResponse("s1", Fail("", "prompt", errors.New("session not found")))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"sessionId":"s1","event":{"type":"response","command":"prompt","success":false,"error":"session not found"}}`,
		string(data))
}

func TestDecodeFrame_TwoLevels(t *testing.T) {
	resp, _ := EncodeResponse("s1", OK("1", "abort", nil))
	f, err := DecodeFrame(resp)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, f.Kind)
	assert.Equal(t, "1", f.Response.ID)
	assert.NoError(t, f.Response.Err())

	ev, _ := EncodeEvent("s1", agent.MessageUpdate{Role: agent.RoleAssistant, Delta: "he"})
	f, err = DecodeFrame(ev)
	require.NoError(t, err)
	assert.Equal(t, KindEvent, f.Kind)
	assert.Equal(t, "message_update", f.Type)
	upd, ok := f.Event.(*agent.MessageUpdate)
	require.True(t, ok, "got %T", f.Event)
	assert.Equal(t, "he", upd.Delta)

	auth, _ := EncodeAuthEvent(authflow.Event{LoginFlowID: "f", ProviderID: "p", Status: authflow.StatusWaitingURL, URL: "https://x"})
	f, err = DecodeFrame(auth)
	require.NoError(t, err)
	assert.Equal(t, KindAuth, f.Kind)
	assert.Equal(t, AuthSessionID, f.SessionID)
	assert.Equal(t, "https://x", f.Auth.URL)

	// An event payload that happens to carry "success" is still an event.
	f, err = DecodeFrame([]byte(`{"sessionId":"s1","event":{"type":"future_event","success":true,"id":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindEvent, f.Kind)
	assert.Nil(t, f.Event)
	assert.Equal(t, "future_event", f.Type)

	_, err = DecodeFrame([]byte(`{"sessionId":"__auth__","event":{"type":"response"}}`))
	assert.Error(t, err)
}

func TestResponseDecode(t *testing.T) {
	r := OK("1", "list_sessions", []string{"a", "b"})
	var out []string
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, []string{"a", "b"}, out)

	bad := OK("1", "x", func() {})
	assert.False(t, bad.Success)
	assert.Error(t, bad.Err())

	var empty Response
	assert.Error(t, empty.Decode(&out))
}
