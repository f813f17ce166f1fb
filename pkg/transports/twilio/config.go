package twilio

import (
	"strings"

	"github.com/harunnryd/callbridge/pkg/configutil"
)

const (
	StreamModeStart   = "start"
	StreamModeConnect = "connect"
)

type Config struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	// PublicURL is the externally reachable base of this service; status
	// callbacks and signature checks are built from it.
	PublicURL  string `mapstructure:"public_url"`
	StatusPath string `mapstructure:"status_path"`
	// StreamMode "start" forks both call legs to the media socket while the
	// call continues; "connect" hands the call to the socket.
	StreamMode string `mapstructure:"stream_mode"`
	// AgentNumber, when set in start mode, is dialled after the fork so a
	// human agent joins the call.
	AgentNumber string `mapstructure:"agent_number"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"account_sid", "auth_token"},
	Optional: []string{"public_url", "status_path", "stream_mode", "agent_number"},
}

// ParseSettings validates and decodes a telephony settings map.
func ParseSettings(input map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.DecodeProvider("twilio", input, SettingsSchema, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StatusPath == "" {
		c.StatusPath = "/api/twilio/status"
	}
	c.StreamMode = strings.ToLower(strings.TrimSpace(c.StreamMode))
	if c.StreamMode != StreamModeConnect {
		c.StreamMode = StreamModeStart
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return c
}

func (c Config) statusCallbackURL(callID string) string {
	if c.PublicURL == "" {
		return ""
	}
	return c.PublicURL + strings.TrimRight(c.StatusPath, "/") + "/" + callID
}
