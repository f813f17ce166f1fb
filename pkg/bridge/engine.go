package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/broadcast"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/observers"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Tools are offered to the model on every recommendation turn.
	Tools *llm.ToolRegistry
	// Observer receives metrics in addition to the log observer.
	Observer metrics.Observer
}

// Engine owns the process: the HTTP server, the broadcast queue and every
// live call.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	obs       *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	orch      *Orchestrator
	server    *Server
	http      *http.Server
	runner    *runner.LifecycleRunner
	calls     transports.CallControl
	ctx       context.Context
	cancel    context.CancelFunc
	queueDone chan struct{}
	addr      net.Addr
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("callbridge_init",
		"telephony_provider", cfg.Telephony.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"language", cfg.Language,
	)

	obsList := []metrics.Observer{metrics.NewLogObserver(logger), observers.NewLatencyObserver(logger)}
	var timeline *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			if n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour); err != nil {
				logger.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
			} else if n > 0 {
				logger.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timeline)
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	obs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	calls, err := providers.BuildTelephony(cfg.Telephony.Provider, cfg)
	if err != nil {
		obs.Close()
		return nil, fmt.Errorf("telephony: %w", err)
	}
	recognizers, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		obs.Close()
		return nil, fmt.Errorf("stt: %w", err)
	}
	model, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		obs.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	model = guardProvider(model, cfg.Chat, obs)

	e := &Engine{cfg: cfg, log: logging.NewComponentLogger(logger, "engine"), obs: obs, timeline: timeline, calls: calls}
	e.orch = NewOrchestrator(Options{
		Config:        cfg,
		Registry:      session.NewRegistry(cfg.Session.RetainEnded),
		Hub:           broadcast.NewHub(),
		Queue:         broadcast.NewQueue(broadcast.QueueOptions{IdleWait: cfg.Broadcast.IdleWait, Observer: obs}),
		Calls:         calls,
		Recognizers:   instrumentRecognizers(recognizers),
		NewChat:       chatFactory(model, opts.Tools, cfg.Chat, obs, logger),
		CallRetryable: retryableFor(calls),
		Observer:      obs,
		Logger:        logger,
	})

	var routes []Route
	if cp, ok := calls.(transports.CallbackProvider); ok {
		pattern, h := cp.CallbackHandler(e.orch)
		routes = append(routes, Route{Pattern: pattern, Handler: h})
	}
	e.server = NewServer(e.orch, routes...)
	e.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e.server,
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() { e.log.Info("engine_started", "addr", cfg.Server.Addr) },
		OnStop:  func() { e.log.Info("engine_stopped") },
	}, cfg.Server.ShutdownTimeout)
	return e, nil
}

// guardProvider adds rate-limit circuit breaking and open retries.
func guardProvider(p llm.Provider, cfg ChatConfig, obs metrics.Observer) llm.Provider {
	cb := llm.NewCircuitBreakerProvider(p, resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown))
	cb.SetObserver(obs)
	return llm.NewRetryProvider(cb, resilience.NewRetryPolicy(cfg.Retries, cfg.RetryBackoff))
}

func chatFactory(p llm.Provider, tools *llm.ToolRegistry, cfg ChatConfig, obs metrics.Observer, logger *slog.Logger) func() *llm.ChatClient {
	return func() *llm.ChatClient {
		return llm.NewChatClient(llm.NewProcessor(p, tools, llm.ProcessorOptions{
			MaxTurns: cfg.MaxTurns,
			Observer: obs,
			Logger:   logger,
		}))
	}
}

func instrumentRecognizers(f stt.Factory) stt.Factory {
	return func(c stt.Config) (stt.Recognizer, error) {
		r, err := f(c)
		if err != nil {
			return nil, err
		}
		slog.Debug("recognizer_created", "call_id", c.CallID, "speaker", c.Speaker, "engine", r.Name(), "sample_rate", c.SampleRate)
		return r, nil
	}
}

func retryableFor(calls transports.CallControl) func(error) bool {
	if _, ok := calls.(*twilio.Client); ok {
		return twilio.IsRetryable
	}
	return nil
}

// Start binds the listener and serves until ctx is cancelled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Addr, err)
	}
	e.addr = ln.Addr()
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.queueDone = make(chan struct{})
	go func() {
		defer close(e.queueDone)
		_ = e.orch.queue.Run(e.ctx)
	}()
	go func() {
		if err := e.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("http_server_error", "error", err.Error())
		}
	}()
	if rr, ok := e.calls.(transports.ReadyReporter); ok {
		args := []any{"provider", e.calls.Name()}
		for k, v := range rr.ReadyFields() {
			args = append(args, k, v)
		}
		e.log.Info("telephony_ready", args...)
	}
	go func() {
		_ = e.runner.Run(e.ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// Drain stops accepting connections, ends every session and flushes the
// broadcast queue and metrics.
func (e *Engine) Drain() error {
	e.server.Drain()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := e.http.Shutdown(ctx)
	e.orch.Shutdown()
	if e.queueDone != nil {
		<-e.queueDone
	}
	e.obs.Close()
	if e.timeline != nil {
		err = errors.Join(err, e.timeline.Close())
	}
	return err
}

// Addr is the bound listener address, available after Start.
func (e *Engine) Addr() net.Addr { return e.addr }

func (e *Engine) Handler() http.Handler       { return e.server }
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }
func (e *Engine) Config() Config              { return e.cfg }
func (e *Engine) State() runner.State         { return e.runner.State() }
