package bridge

import (
	"strings"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/providers/deepgram"
	"github.com/harunnryd/callbridge/pkg/providers/mock"
	"github.com/harunnryd/callbridge/pkg/providers/openai"
	"github.com/harunnryd/callbridge/pkg/transports"
	mocktransport "github.com/harunnryd/callbridge/pkg/transports/mock"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

// DefaultProviders registers every built-in vendor.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()

	reg.RegisterSTT("deepgram", func(cfg Config) (stt.Factory, error) {
		settings, err := deepgram.ParseSettings(cfg.Vendors.STT.Settings)
		if err != nil {
			return nil, err
		}
		return deepgram.Factory(settings), nil
	})
	reg.RegisterSTT("mock", func(cfg Config) (stt.Factory, error) {
		var sc mock.STTConfig
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &sc); err != nil {
			return nil, err
		}
		return mock.Factory(sc), nil
	})

	openAI := func(name string) LLMFactory {
		return func(cfg Config) (llm.Provider, error) {
			settings, err := openai.ParseSettings(name, cfg.Vendors.LLM.Settings)
			if err != nil {
				return nil, err
			}
			return openai.New(settings), nil
		}
	}
	reg.RegisterLLM("openai", openAI("openai"))
	reg.RegisterLLM("azure_openai", openAI("azure_openai"))
	reg.RegisterLLM("mock", func(cfg Config) (llm.Provider, error) {
		var lc struct {
			ResponseText string `mapstructure:"response_text"`
		}
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &lc); err != nil {
			return nil, err
		}
		return mock.NewLLMProvider(mock.LLMConfig{ResponseText: lc.ResponseText}), nil
	})

	reg.RegisterTelephony("twilio", func(cfg Config) (transports.CallControl, error) {
		tc, err := twilio.ParseSettings(cfg.Telephony.Settings)
		if err != nil {
			return nil, err
		}
		if tc.PublicURL == "" {
			tc.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
		}
		return twilio.New(tc), nil
	})
	reg.RegisterTelephony("mock", func(Config) (transports.CallControl, error) {
		return mocktransport.New(), nil
	})
	return reg
}
