package bridge

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultSourcePhoneNumber = "+18772246445"
	DefaultLanguage          = "en-IN"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Vendors   VendorsConfig   `mapstructure:"vendors"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Session   SessionConfig   `mapstructure:"session"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Language  string          `mapstructure:"language"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`

	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is the https base the telephony provider calls back on.
	PublicURL string `mapstructure:"public_url"`
	// WebsocketURL is the wss base the provider streams media to.
	WebsocketURL    string        `mapstructure:"websocket_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TelephonyConfig struct {
	VendorConfig      `mapstructure:",squash"`
	SourcePhoneNumber string        `mapstructure:"source_phone_number"`
	Retries           int           `mapstructure:"retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
}

type ChatConfig struct {
	SystemPrompt     string        `mapstructure:"system_prompt"`
	Temperature      float64       `mapstructure:"temperature"`
	MaxTurns         int           `mapstructure:"max_turns"`
	Retries          int           `mapstructure:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

type SessionConfig struct {
	RetainEnded int `mapstructure:"retain_ended"`
}

type BroadcastConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	IdleWait    time.Duration `mapstructure:"idle_wait"`
}

type AudioConfig struct {
	DefaultSampleRate int `mapstructure:"default_sample_rate"`
	PushBuffer        int `mapstructure:"push_buffer"`
}

type ObservabilityConfig struct {
	// ArtifactsDir, when set, receives one JSONL timeline per call.
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads an optional .env, then the YAML file at path. Every key
// may be overridden by a CALLBRIDGE_ environment variable, and ${VAR}
// references inside string values are expanded.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CALLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("validate config: %w", err), errorsx.ReasonConfigInvalid)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.websocket_url", "")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("telephony.provider", "mock")
	v.SetDefault("telephony.source_phone_number", DefaultSourcePhoneNumber)
	v.SetDefault("telephony.retries", 2)
	v.SetDefault("telephony.retry_backoff", "250ms")
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("chat.system_prompt", "You are a helpful customer service assistant.")
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.max_turns", 8)
	v.SetDefault("chat.retries", 2)
	v.SetDefault("chat.retry_backoff", "200ms")
	v.SetDefault("chat.breaker_threshold", 3)
	v.SetDefault("chat.breaker_cooldown", "30s")
	v.SetDefault("chat.request_timeout", "60s")
	v.SetDefault("session.retain_ended", 64)
	v.SetDefault("broadcast.send_timeout", "2s")
	v.SetDefault("broadcast.idle_wait", "10ms")
	v.SetDefault("audio.default_sample_rate", 16000)
	v.SetDefault("audio.push_buffer", 256)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 7)
	v.SetDefault("language", DefaultLanguage)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.Addr, "server.addr"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Telephony.Provider) == "" {
		return fmt.Errorf("telephony.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Audio.DefaultSampleRate <= 0 {
		return fmt.Errorf("audio.default_sample_rate must be positive")
	}
	if c.Telephony.Provider != "mock" {
		if err := configutil.RequireString(c.Server.PublicURL, "server.public_url"); err != nil {
			return err
		}
		if err := configutil.RequireString(c.Server.WebsocketURL, "server.websocket_url"); err != nil {
			return err
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
