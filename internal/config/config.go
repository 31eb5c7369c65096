// Package config loads and validates server configuration from a YAML file
// with environment-variable overrides. Validation accumulates every problem
// before failing so operators fix a config in one pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full recognised configuration surface.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	ServerName string `yaml:"serverName"`

	// RoomSize is the default max players per room.
	RoomSize int `yaml:"roomSize"`

	PhiraAPIURL   string `yaml:"phiraApiUrl"`
	DefaultAvatar string `yaml:"defaultAvatar"`

	SilentPhiraIDs []int32  `yaml:"silentPhiraIds"`
	BanIDWhitelist []int32  `yaml:"banIdWhitelist"`
	BanIPWhitelist []string `yaml:"banIpWhitelist"`

	UseProxyProtocol  bool `yaml:"useProxyProtocol"`
	EnableWebServer   bool `yaml:"enableWebServer"`
	EnableUpdateCheck bool `yaml:"enableUpdateCheck"`

	ServerAnnouncement string `yaml:"serverAnnouncement"`

	Protocol struct {
		TCP bool `yaml:"tcp"`
	} `yaml:"protocol"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	// WebPort serves the admin HTTP + observer WebSocket surface.
	WebPort    int    `yaml:"webPort"`
	AdminToken string `yaml:"adminToken"`

	Room struct {
		ReconnectGraceSeconds int `yaml:"reconnectGraceSeconds"`
	} `yaml:"room"`

	// MaxFrameSize bounds the declared payload length of one frame.
	MaxFrameSize uint32 `yaml:"maxFrameSize"`

	// AuditLogDir enables ban.log / command.log / server-YYYY-MM-DD.log.
	AuditLogDir string `yaml:"auditLogDir"`
}

// Defaults returns the baseline configuration before file and env overlays.
func Defaults() *Config {
	cfg := &Config{
		Host:          "0.0.0.0",
		Port:          12346,
		ServerName:    "phira-mp",
		RoomSize:      8,
		PhiraAPIURL:   "https://api.phira.cn",
		DefaultAvatar: "https://phira.moe/avatar-default.png",
		WebPort:       8080,
		MaxFrameSize:  1 << 20,
	}
	cfg.Protocol.TCP = true
	cfg.Logging.Level = "info"
	cfg.Room.ReconnectGraceSeconds = 15
	return cfg
}

// Load reads path (ignored when empty or missing), applies environment
// overrides, validates, and returns the effective configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// A missing config file is fine; defaults plus env apply.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate accumulates all configuration problems into one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be 1..65535 (got %d)", c.Port))
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		problems = append(problems, fmt.Sprintf("webPort must be 1..65535 (got %d)", c.WebPort))
	}
	if c.Port == c.WebPort {
		problems = append(problems, "port and webPort must differ")
	}
	if c.RoomSize < 1 || c.RoomSize > 255 {
		problems = append(problems, fmt.Sprintf("roomSize must be 1..255 (got %d)", c.RoomSize))
	}
	if c.PhiraAPIURL == "" {
		problems = append(problems, "phiraApiUrl is required")
	} else if !strings.HasPrefix(c.PhiraAPIURL, "http://") && !strings.HasPrefix(c.PhiraAPIURL, "https://") {
		problems = append(problems, fmt.Sprintf("phiraApiUrl must be an http(s) URL (got %q)", c.PhiraAPIURL))
	}
	if c.MaxFrameSize == 0 {
		problems = append(problems, "maxFrameSize must be positive")
	}
	if c.Room.ReconnectGraceSeconds < 0 {
		problems = append(problems, "room.reconnectGraceSeconds must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level must be debug|info|warn|error (got %q)", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration invalid:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.AdminToken != "" {
		out.AdminToken = redactSecret(out.AdminToken)
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "true" || v == "1"
		}
	}

	setString("PHIRA_MP_HOST", &cfg.Host)
	setInt("PHIRA_MP_PORT", &cfg.Port)
	setString("PHIRA_MP_SERVER_NAME", &cfg.ServerName)
	setInt("PHIRA_MP_ROOM_SIZE", &cfg.RoomSize)
	setString("PHIRA_MP_API_URL", &cfg.PhiraAPIURL)
	setString("PHIRA_MP_DEFAULT_AVATAR", &cfg.DefaultAvatar)
	setBool("PHIRA_MP_USE_PROXY_PROTOCOL", &cfg.UseProxyProtocol)
	setBool("PHIRA_MP_ENABLE_WEB_SERVER", &cfg.EnableWebServer)
	setBool("PHIRA_MP_ENABLE_UPDATE_CHECK", &cfg.EnableUpdateCheck)
	setString("PHIRA_MP_ANNOUNCEMENT", &cfg.ServerAnnouncement)
	setInt("PHIRA_MP_WEB_PORT", &cfg.WebPort)
	setString("PHIRA_MP_ADMIN_TOKEN", &cfg.AdminToken)
	setString("PHIRA_MP_LOG_LEVEL", &cfg.Logging.Level)
	setString("PHIRA_MP_AUDIT_LOG_DIR", &cfg.AuditLogDir)

	if v, ok := os.LookupEnv("PHIRA_MP_SILENT_IDS"); ok {
		cfg.SilentPhiraIDs = parseIDList(v)
	}
	if v, ok := os.LookupEnv("PHIRA_MP_BAN_ID_WHITELIST"); ok {
		cfg.BanIDWhitelist = parseIDList(v)
	}
	if v, ok := os.LookupEnv("PHIRA_MP_BAN_IP_WHITELIST"); ok {
		cfg.BanIPWhitelist = splitNonEmpty(v)
	}
}

func parseIDList(s string) []int32 {
	var out []int32
	for _, part := range splitNonEmpty(s) {
		if n, err := strconv.ParseInt(part, 10, 32); err == nil {
			out = append(out, int32(n))
		}
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
