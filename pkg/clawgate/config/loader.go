package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory.
const FileName = "clawgate.yaml"

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and bare
// $VAR references.
//
// Groups: 1 = name, 2 = modifier ("-" or "?"), 3 = default or message,
// 4 = bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// secretOverrides map CLAWGATE_* variables onto config fields. An override
// applies when the field is empty or still an unexpanded reference.
var secretOverrides = []struct {
	env   string
	field func(*Config) *string
}{
	{"CLAWGATE_AUTH_TOKEN", func(c *Config) *string { return &c.Gateway.AuthToken }},
	{"CLAWGATE_API_KEY", func(c *Config) *string { return &c.Agent.APIKey }},
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.Agent.APIKey }},
	{"CLAWGATE_TELEGRAM_TOKEN", func(c *Config) *string { return &c.Channels.Telegram.Token }},
	{"CLAWGATE_DISCORD_TOKEN", func(c *Config) *string { return &c.Channels.Discord.Token }},
}

// Find returns the config path to use: explicit when set, then
// ./clawgate.yaml, then ~/.clawgate/config.yaml. It returns "" when none
// exists, and an error only when an explicit path is missing.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".clawgate", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// Load reads the config at path, or returns defaults when path is "".
// .env files are loaded first and environment references are expanded
// before parsing. A ${VAR:?message} with VAR unset is an error.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		cfg := Default()
		resolveSecrets(cfg)
		resolveRelativePaths(cfg, ".")
		cfg.fillDerived()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, filepath.Dir(path))
	cfg.fillDerived()
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML on Default. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads .env and .env.local. Existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. Unset ${VAR} and $VAR
// are kept verbatim; an unset ${VAR:?msg} becomes an ERROR: marker.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + name + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset ${VAR:?msg}.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	name, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", errors.New("config error: malformed error marker")
	}
	if end := strings.IndexAny(msg, "\r\n"); end != -1 {
		msg = msg[:end]
	}
	return "", fmt.Errorf("config error: %s - %s", name, strings.Trim(msg, `"' `))
}

// IsEnvReference reports whether s is an unexpanded variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func resolveSecrets(cfg *Config) {
	for _, o := range secretOverrides {
		field := o.field(cfg)
		if *field != "" && !IsEnvReference(*field) {
			continue
		}
		if v := os.Getenv(o.env); v != "" {
			*field = v
		}
	}
}

// resolveRelativePaths makes every path field absolute against the config
// file's directory and expands a leading ~.
func resolveRelativePaths(cfg *Config, configDir string) {
	for _, p := range []*string{
		&cfg.DataDir,
		&cfg.Sessions.Dir,
		&cfg.Gateway.StaticDir,
		&cfg.Auth.VaultPath,
		&cfg.Daemon.PIDFile,
		&cfg.Daemon.LogFile,
		&cfg.Heartbeat.WorkspaceDir,
		&cfg.Channels.WhatsApp.SessionDir,
		&cfg.Channels.WhatsApp.DatabasePath,
	} {
		*p = resolvePathFromConfig(*p, configDir)
	}
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	if filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(filepath.Join(configDir, path))
	if err != nil {
		return filepath.Join(configDir, path)
	}
	return abs
}

// checkFilePermissions warns when the config file is group or world
// readable, since it may hold tokens.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("config stat failed", "path", path, "error", err)
		}
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
