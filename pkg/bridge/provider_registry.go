package bridge

import (
	"fmt"
	"strings"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type STTFactoryBuilder func(cfg Config) (stt.Factory, error)
type LLMFactory func(cfg Config) (llm.Provider, error)
type TelephonyFactory func(cfg Config) (transports.CallControl, error)

// ProviderRegistry maps configured provider names to constructors.
type ProviderRegistry struct {
	stt       map[string]STTFactoryBuilder
	llm       map[string]LLMFactory
	telephony map[string]TelephonyFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactoryBuilder),
		llm:       make(map[string]LLMFactory),
		telephony: make(map[string]TelephonyFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTelephony(name string, factory TelephonyFactory) {
	r.telephony[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config) (stt.Factory, error) {
	fn := r.stt[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Provider, error) {
	fn := r.llm[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTelephony(provider string, cfg Config) (transports.CallControl, error) {
	fn := r.telephony[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("telephony provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
