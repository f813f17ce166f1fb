package audio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callbridge/pkg/broadcast"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/session"
)

// DefaultSampleRate applies when a connection streams audio without
// announcing its format first.
const DefaultSampleRate = 16000

// ErrClosed is returned for frames that arrive after Close.
var ErrClosed = errors.New("audio pipeline closed")

type State int

const (
	StateAwaitingMetadata State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingMetadata:
		return "AWAITING_METADATA"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ChannelFactory opens the recognition channel for one speaker of the call.
type ChannelFactory func(speaker session.Speaker, sampleRate int) (session.Channel, error)

// Publisher hands an encoded message to the ordered broadcast path of a call.
type Publisher interface {
	Publish(callID string, msg []byte)
}

type Config struct {
	CallID            string
	DefaultSampleRate int
	Channels          ChannelFactory
	Publisher         Publisher
}

// Pipeline demultiplexes one audio connection. Frames must be fed from a
// single goroutine, in arrival order.
type Pipeline struct {
	cfg        Config
	state      State
	sampleRate int
	channels   map[session.Speaker]session.Channel
	log        *slog.Logger
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = DefaultSampleRate
	}
	return &Pipeline{
		cfg:        cfg,
		sampleRate: cfg.DefaultSampleRate,
		channels:   make(map[session.Speaker]session.Channel, 2),
		log:        logging.NewComponentLogger(slog.Default(), "audio_pipeline").With("call_id", cfg.CallID),
	}
}

func (p *Pipeline) State() State    { return p.state }
func (p *Pipeline) SampleRate() int { return p.sampleRate }

type controlFrame struct {
	Kind          string         `json:"kind"`
	AudioMetadata *audioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *audioData     `json:"audioData,omitempty"`

	// Twilio media-stream envelope.
	Event string       `json:"event,omitempty"`
	Start *twilioStart `json:"start,omitempty"`
	Media *twilioMedia `json:"media,omitempty"`
}

type audioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
}

type audioData struct {
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	Silent    bool   `json:"silent"`
}

type twilioStart struct {
	CallSID     string `json:"callSid"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
	} `json:"mediaFormat"`
}

type twilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

// HandleText processes one control frame. Malformed JSON is dropped and
// yields nil; any returned error should end the connection loop.
func (p *Pipeline) HandleText(raw []byte) error {
	if p.state == StateClosed {
		return ErrClosed
	}
	var f controlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		p.log.Warn("audio_frame_malformed", "error", err.Error(), "size_bytes", len(raw))
		return nil
	}

	switch {
	case strings.EqualFold(f.Kind, "AudioMetadata"):
		if f.AudioMetadata != nil {
			p.setFormat(f.AudioMetadata.SampleRate, f.AudioMetadata.Encoding)
		} else {
			p.setFormat(0, "")
		}
		return nil
	case strings.EqualFold(f.Kind, "AudioData"):
		if f.AudioData == nil {
			return nil
		}
		return p.customerAudio(f.AudioData.Data)
	case f.Event == "start" && f.Start != nil:
		p.setFormat(f.Start.MediaFormat.SampleRate, f.Start.MediaFormat.Encoding)
		return nil
	case f.Event == "media" && f.Media != nil:
		if f.Media.Track == "outbound" {
			pcm, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				return fmt.Errorf("decode outbound media: %w", err)
			}
			return p.agentAudio(pcm, f.Media.Payload)
		}
		return p.customerAudio(f.Media.Payload)
	default:
		p.log.Debug("audio_frame_ignored", "kind", f.Kind, "event", f.Event)
		return nil
	}
}

// HandleBinary treats raw bytes as agent-channel audio.
func (p *Pipeline) HandleBinary(raw []byte) error {
	if p.state == StateClosed {
		return ErrClosed
	}
	return p.agentAudio(raw, base64.StdEncoding.EncodeToString(raw))
}

// Close moves the pipeline to CLOSED. Channel teardown belongs to the session.
func (p *Pipeline) Close() {
	if p.state != StateClosed {
		p.log.Info("audio_pipeline_closed", "sample_rate", p.sampleRate)
	}
	p.state = StateClosed
}

func (p *Pipeline) setFormat(rate int, encoding string) {
	if rate > 0 {
		p.sampleRate = rate
	}
	if p.state == StateAwaitingMetadata {
		p.state = StateStreaming
	}
	p.log.Info("audio_metadata_received", "sample_rate", p.sampleRate, "encoding", encoding)
}

// customerAudio routes the decoded PCM and republishes b64 exactly as it
// arrived.
func (p *Pipeline) customerAudio(b64 string) error {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode audio data: %w", err)
	}
	if err := p.route(session.SpeakerCustomer, pcm); err != nil {
		return err
	}
	p.publish(broadcast.NewAudioStream(p.cfg.CallID, p.sampleRate, b64))
	return nil
}

func (p *Pipeline) agentAudio(pcm []byte, b64 string) error {
	if err := p.route(session.SpeakerAgent, pcm); err != nil {
		return err
	}
	p.publish(broadcast.NewAgentAudioFrame(b64))
	return nil
}

func (p *Pipeline) route(speaker session.Speaker, pcm []byte) error {
	if p.state == StateAwaitingMetadata {
		p.state = StateStreaming
		p.log.Info("audio_metadata_defaulted", "sample_rate", p.sampleRate)
	}
	ch, err := p.channel(speaker)
	if err != nil {
		return err
	}
	return ch.Push(pcm)
}

func (p *Pipeline) channel(speaker session.Speaker) (session.Channel, error) {
	if ch, ok := p.channels[speaker]; ok {
		return ch, nil
	}
	if p.cfg.Channels == nil {
		return nil, fmt.Errorf("no recognition channel factory for %s", speaker)
	}
	ch, err := p.cfg.Channels(speaker, p.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("open %s channel: %w", speaker, err)
	}
	p.channels[speaker] = ch
	return ch, nil
}

func (p *Pipeline) publish(v any) {
	if p.cfg.Publisher == nil {
		return
	}
	p.cfg.Publisher.Publish(p.cfg.CallID, broadcast.Encode(v))
}
