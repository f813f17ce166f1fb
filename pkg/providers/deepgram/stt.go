package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Settings is the vendors.stt.settings block for deepgram.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim_results"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    int    `mapstructure:"endpointing_ms"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "encoding", "interim_results", "vad_events", "utterance_end_ms", "endpointing_ms"},
}

// ParseSettings validates and decodes a vendors.stt.settings map.
func ParseSettings(input map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.DecodeProvider("deepgram", input, SettingsSchema, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type Config struct {
	Settings
	CallID     string
	Speaker    string
	Language   string
	SampleRate int
}

// Recognizer streams one speaker channel to Deepgram's live API.
type Recognizer struct {
	cfg      Config
	dgClient *client.WSCallback
	out      chan stt.Result
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closeOnce  sync.Once
	metaOnce   sync.Once
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(
		slog.String("call_id", cfg.CallID),
		slog.String("speaker", cfg.Speaker))
	return &Recognizer{
		cfg:    cfg,
		out:    make(chan stt.Result, 256),
		logger: logger,
	}
}

// Factory adapts New to the stt.Factory signature.
func Factory(settings Settings) stt.Factory {
	return func(c stt.Config) (stt.Recognizer, error) {
		if settings.APIKey == "" {
			return nil, errorsx.Newf(errorsx.ReasonSTTConnect, "deepgram api_key is required")
		}
		return New(Config{
			Settings:   settings,
			CallID:     c.CallID,
			Speaker:    c.Speaker,
			Language:   c.Language,
			SampleRate: c.SampleRate,
		}), nil
	}
}

func (s *Recognizer) Name() string { return "deepgram_streaming" }

func (s *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}
	if s.cfg.Endpointing > 0 {
		transcriptOptions.Endpointing = strconv.Itoa(s.cfg.Endpointing)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	s.logger.Info("deepgram_connected")

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Recognizer) SendAudio(pcm []byte) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	if _, err := s.pipeWriter.Write(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *Recognizer) Results() <-chan stt.Result { return s.out }

func (s *Recognizer) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("deepgram_closing")
		if s.cancel != nil {
			s.cancel()
		}
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
	return nil
}

func (s *Recognizer) emit(r stt.Result) {
	select {
	case s.out <- r:
	default:
		s.logger.Warn("deepgram_out_channel_full", slog.String("kind", r.Kind.String()))
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	kind := stt.ResultPartial
	if mr.IsFinal {
		kind = stt.ResultFinal
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(transcript)),
		slog.Bool("is_final", mr.IsFinal),
		slog.Bool("speech_final", mr.SpeechFinal))
	c.parent.emit(stt.Result{Kind: kind, Text: transcript, At: time.Now()})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.metaOnce.Do(func() {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	})
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.emit(stt.Result{Kind: stt.ResultSpeechStarted, At: time.Now()})
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
