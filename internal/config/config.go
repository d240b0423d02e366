package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	LogLevel    string        `mapstructure:"log_level"`
	Secret      string        `mapstructure:"secret"`
	InternalKey string        `mapstructure:"internal_key"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`

	Session  SessionConfig  `mapstructure:"session"`
	Registry RegistryConfig `mapstructure:"registry"`
	Calls    CallsConfig    `mapstructure:"calls"`
	Store    StoreConfig    `mapstructure:"store"`
}

type SessionConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AuthGrace      time.Duration `mapstructure:"auth_grace"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	AbuseThreshold int           `mapstructure:"abuse_threshold"`
	AbuseWindow    time.Duration `mapstructure:"abuse_window"`
	FrameRate      float64       `mapstructure:"frame_rate"`
	FrameBurst     int           `mapstructure:"frame_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type RegistryConfig struct {
	Shards int `mapstructure:"shards"`
	// SlowConsumer is "kick" or "drop".
	SlowConsumer string `mapstructure:"slow_consumer"`
}

type CallsConfig struct {
	RingTimeout time.Duration   `mapstructure:"ring_timeout"`
	ICEServers  []ICEServerConf `mapstructure:"ice_servers"`
}

type ICEServerConf struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// WebRTC converts the configured ICE servers for the session:ready frame.
func (c CallsConfig) WebRTC() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("internal_key", "")
	v.SetDefault("token_ttl", "720h")

	v.SetDefault("session.read_limit", 32768)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.ping_period", "25s")
	v.SetDefault("session.write_timeout", "5s")
	v.SetDefault("session.auth_grace", "10s")
	v.SetDefault("session.liveness_window", "60s")
	v.SetDefault("session.abuse_threshold", 10)
	v.SetDefault("session.abuse_window", "30s")
	v.SetDefault("session.frame_rate", 20.0)
	v.SetDefault("session.frame_burst", 40)
	v.SetDefault("session.allowed_origins", []string{})

	v.SetDefault("registry.shards", 64)
	v.SetDefault("registry.slow_consumer", "kick")

	v.SetDefault("calls.ring_timeout", "45s")
	v.SetDefault("calls.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("store.path", "./data/notifications.db")
}

// Flags registers the command line flags Load understands.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (default config/config.$CONFIG_ENV.yaml)")
	fs.String("log-level", "", "override log_level")
	fs.Int("port", 0, "override port")
}

// Load reads defaults, then the YAML file, then HEARTLINE_* env vars, then
// flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("heartline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := ""
	if fs != nil {
		fileName, _ = fs.GetString("config")
	}
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	if fs != nil {
		if f := fs.Lookup("log-level"); f != nil && f.Changed {
			v.Set("log_level", f.Value.String())
		}
		if f := fs.Lookup("port"); f != nil && f.Changed {
			v.Set("port", f.Value.String())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Secret) < 16 {
		return fmt.Errorf("config: secret must be at least 16 bytes")
	}
	if c.Session.AuthGrace <= 0 || c.Session.LivenessWindow <= 0 {
		return fmt.Errorf("config: session timers must be positive")
	}
	if c.Session.PingPeriod >= c.Session.LivenessWindow {
		return fmt.Errorf("config: ping_period must be shorter than liveness_window")
	}
	if c.Calls.RingTimeout <= 0 {
		return fmt.Errorf("config: calls.ring_timeout must be positive")
	}
	switch c.Registry.SlowConsumer {
	case "kick", "drop":
	default:
		return fmt.Errorf("config: registry.slow_consumer must be kick or drop, got %q", c.Registry.SlowConsumer)
	}
	return nil
}
