package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESH"

// DefaultSecret signs identity cookies until a real secret is configured.
// Release mode refuses to run with it.
const DefaultSecret = "change-me"

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the relay server configuration.
type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	Secret       string        `mapstructure:"secret"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	JoinRate     JoinRate      `mapstructure:"join_rate"`
	Backpressure string        `mapstructure:"backpressure"`
	Metrics      bool          `mapstructure:"metrics"`
	LogLevel     string        `mapstructure:"log_level"`
}

// ClientConfig drives the headless mesh participant.
type ClientConfig struct {
	Mode               string        `mapstructure:"mode"`
	RelayURL           string        `mapstructure:"relay_url"`
	ParticipantID      string        `mapstructure:"participant_id"`
	Room               string        `mapstructure:"room"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	LazyMedia          bool          `mapstructure:"lazy_media"`
	Silence            bool          `mapstructure:"silence"`
	StatsInterval      time.Duration `mapstructure:"stats_interval"`
	LogLevel           string        `mapstructure:"log_level"`
	PionLogLevel       string        `mapstructure:"pion_log_level"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", DefaultSecret)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")
	v.SetDefault("backpressure", "drop")
	v.SetDefault("metrics", true)
	v.SetDefault("log_level", "info")
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("participant_id", "")
	v.SetDefault("room", "lobby")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("lazy_media", false)
	v.SetDefault("silence", true)
	v.SetDefault("stats_interval", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("pion_log_level", "warn")
}

// Load reads the server config. args are the command line flags (os.Args[1:]).
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.Int("port", 0, "listen port")
	fs.String("mode", "", "debug or release")
	v, err := newViper(fs, args, "config", serverDefaults)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("backpressure", cfg.Backpressure).Msg("server config loaded")
	return &cfg, nil
}

// LoadClient reads the client config. The default file is
// config/client.<CONFIG_ENV>.yaml.
func LoadClient(args []string) (*ClientConfig, error) {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.String("relay_url", "", "relay websocket url")
	fs.String("participant_id", "", "participant id (random when empty)")
	fs.String("room", "", "room to join")
	v, err := newViper(fs, args, "client", clientDefaults)
	if err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NegotiationTimeout <= 0 {
		return nil, fmt.Errorf("negotiation_timeout must be positive, got %s", cfg.NegotiationTimeout)
	}
	log.Info().Str("module", "config").Str("relay", cfg.RelayURL).Str("room", cfg.Room).Msg("client config loaded")
	return &cfg, nil
}

func newViper(fs *pflag.FlagSet, args []string, base string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	fs.String("config", "", "path to a yaml config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName, _ := fs.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/%s.%s.yaml", base, env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	// only flags set on the command line override the file
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || !f.Changed {
			return
		}
		_ = v.BindPFlag(f.Name, f)
	})
	return v, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.PingPeriod >= c.PongWait:
		return fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	case c.JoinRate.Limit <= 0 || c.JoinRate.Interval <= 0:
		return fmt.Errorf("join_rate needs a positive limit and interval")
	case c.Secret == "":
		return fmt.Errorf("secret must not be empty")
	case c.Secret == DefaultSecret && c.Mode != "debug":
		return fmt.Errorf("secret is the built-in default; set secret or MESH_SECRET before running in %s mode", c.Mode)
	}
	if c.Secret == DefaultSecret {
		log.Warn().Str("module", "config").Msg("identity cookies are signed with the default secret")
	}
	return nil
}
