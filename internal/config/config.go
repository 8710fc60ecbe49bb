package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values
const (
	DefaultServerURL      = "http://localhost:8080"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
	DefaultListenAddr     = ":8080"
	DefaultOpenAIModel    = "gpt-3.5-turbo"
	DefaultAIReplyTimeout = 8 * time.Second
	DefaultRecordDir      = "."
)

// Config holds application configuration
type Config struct {
	// ServerURL is the base http(s) URL of the signaling server.
	ServerURL string

	// WebSocketURL is derived from ServerURL.
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Server side
	ListenAddr      string
	STUNPort        int
	LegacyBroadcast bool
	TrustApprovals  bool

	// AI reply collaborator
	OpenAIKey      string
	OpenAIModel    string
	OpenAIBaseURL  string
	AIReplyTimeout time.Duration

	RecordDir string
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	ServerURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	ListenAddr      string
	STUNPort        int
	LegacyBroadcast bool
	TrustApprovals  bool

	OpenAIModel string
	RecordDir   string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ServerURL:     pick(opts.ServerURL, "SERVER_URL", DefaultServerURL),
		STUNServer:    pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:      pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:      pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ListenAddr:    pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   pick(opts.OpenAIModel, "OPENAI_MODEL", DefaultOpenAIModel),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		RecordDir:     pick(opts.RecordDir, "RECORD_DIR", DefaultRecordDir),
	}

	var err error
	if cfg.ForceRelay, err = pickBool(opts.ForceRelay, "FORCE_RELAY"); err != nil {
		return nil, err
	}
	if cfg.LegacyBroadcast, err = pickBool(opts.LegacyBroadcast, "LEGACY_BROADCAST"); err != nil {
		return nil, err
	}
	if cfg.TrustApprovals, err = pickBool(opts.TrustApprovals, "TRUST_APPROVALS"); err != nil {
		return nil, err
	}

	cfg.STUNPort = opts.STUNPort
	if cfg.STUNPort == 0 {
		if v := os.Getenv("STUN_PORT"); v != "" {
			if cfg.STUNPort, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("invalid STUN_PORT %q: %w", v, err)
			}
		}
	}
	if cfg.STUNPort < 0 || cfg.STUNPort > 65535 {
		return nil, fmt.Errorf("invalid STUN port %d", cfg.STUNPort)
	}

	cfg.AIReplyTimeout = DefaultAIReplyTimeout
	if v := os.Getenv("AI_REPLY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid AI_REPLY_TIMEOUT %q", v)
		}
		cfg.AIReplyTimeout = d
	}

	if cfg.WebSocketURL, err = WebSocketURL(cfg.ServerURL); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WebSocketURL maps http(s)://host[/prefix] to ws(s)://host[/prefix]/ws.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", serverURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare
// "turn:host" expands to the usual udp/tcp/tls variants.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}

	host := strings.TrimPrefix(c.TURNServer, "turn:")
	if strings.ContainsAny(host, ":?") {
		return []string{c.TURNServer}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickBool(flag bool, env string) (bool, error) {
	if flag {
		return true, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	return b, nil
}
