package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/audio"
	"github.com/harunnryd/callbridge/pkg/broadcast"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/recognition"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// NoContextRecommendation is returned when there is nothing to base a
// recommendation on.
const NoContextRecommendation = "No conversation context available."

// ErrNoActiveCall is returned by EndCall when no call can be resolved.
var ErrNoActiveCall = errors.New("no active call")

type OutboundCallRequest struct {
	PhoneNumber       string `json:"phoneNumber"`
	SourcePhoneNumber string `json:"sourcePhoneNumber"`
	BotID             string `json:"botId"`
}

type OutboundCallResult struct {
	CallConnectionID string `json:"callConnectionId"`
	CallID           string `json:"callId"`
}

type Options struct {
	Config      Config
	Registry    *session.Registry
	Hub         *broadcast.Hub
	Queue       *broadcast.Queue
	Calls       transports.CallControl
	Recognizers stt.Factory
	// NewChat builds the conversation used for one recommendation id.
	NewChat func() *llm.ChatClient
	// CallRetryable classifies telephony failures; nil retries every
	// non-context error.
	CallRetryable func(error) bool
	Observer      metrics.Observer
	Logger        *slog.Logger
}

// Orchestrator ties call control, audio recognition and observer
// broadcasting together.
type Orchestrator struct {
	cfg       Config
	registry  *session.Registry
	hub       *broadcast.Hub
	queue     *broadcast.Queue
	calls     transports.CallControl
	recognize stt.Factory
	newChat   func() *llm.ChatClient
	retry     resilience.RetryPolicy
	obs       metrics.Observer
	base      *slog.Logger
	log       *slog.Logger

	chatMu sync.Mutex
	chats  map[string]*llm.ChatClient
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(opts.Config.Session.RetainEnded)
	}
	if opts.Hub == nil {
		opts.Hub = broadcast.NewHub()
	}
	if opts.Queue == nil {
		opts.Queue = broadcast.NewQueue(broadcast.QueueOptions{IdleWait: opts.Config.Broadcast.IdleWait, Observer: opts.Observer})
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	policy := resilience.NewRetryPolicy(opts.Config.Telephony.Retries, opts.Config.Telephony.RetryBackoff)
	policy.IsRetryable = opts.CallRetryable
	policy.Operation = "telephony"
	return &Orchestrator{
		cfg:       opts.Config,
		registry:  opts.Registry,
		hub:       opts.Hub,
		queue:     opts.Queue,
		calls:     opts.Calls,
		recognize: opts.Recognizers,
		newChat:   opts.NewChat,
		retry:     policy,
		obs:       opts.Observer,
		base:      opts.Logger,
		log:       logging.NewComponentLogger(opts.Logger, "orchestrator"),
		chats:     make(map[string]*llm.ChatClient),
	}
}

func (o *Orchestrator) Registry() *session.Registry { return o.registry }
func (o *Orchestrator) Hub() *broadcast.Hub           { return o.hub }
func (o *Orchestrator) Queue() *broadcast.Queue       { return o.queue }

// Publish puts msg on the ordered path to every observer of callID.
func (o *Orchestrator) Publish(callID string, msg []byte) {
	o.queue.Enqueue(msg, o.hub.Targets(callID))
}

func (o *Orchestrator) broadcastStatus(callID string, v any) {
	n := o.hub.Broadcast(callID, broadcast.Encode(v))
	o.log.Debug("status_broadcast", "call_id", callID, "observers", n)
}

// StartOutboundCall places a call whose callbacks and media stream are tied
// to a fresh call id.
func (o *Orchestrator) StartOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error) {
	to := strings.TrimSpace(req.PhoneNumber)
	if to == "" {
		return OutboundCallResult{}, errorsx.Newf(errorsx.ReasonValidation, "Phone number is required")
	}
	if strings.TrimSpace(req.BotID) == "" {
		return OutboundCallResult{}, errorsx.Newf(errorsx.ReasonValidation, "Bot ID is required")
	}
	if o.calls == nil {
		return OutboundCallResult{}, errorsx.Newf(errorsx.ReasonTelephonyCreate, "telephony is not configured")
	}
	from := strings.TrimSpace(req.SourcePhoneNumber)
	if from == "" {
		from = o.cfg.Telephony.SourcePhoneNumber
	}
	if from == "" {
		from = DefaultSourcePhoneNumber
	}

	callID := uuid.NewString()
	create := transports.CreateCallRequest{
		CallID:      callID,
		To:          to,
		From:        from,
		CallbackURL: callbackURL(o.cfg.Server.PublicURL, callID, from),
		MediaURL:    strings.TrimRight(o.cfg.Server.WebsocketURL, "/") + "/ws/audio/" + callID,
	}
	sess, _ := o.registry.GetOrCreate(callID)
	log := o.log.With("call_id", callID, "to", redact.Phone(to), "bot_id", req.BotID)

	var controlID string
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		controlID, err = o.calls.CreateCall(ctx, create)
		return err
	})
	if err != nil {
		o.registry.Remove(callID)
		log.Error("outbound_call_failed", "provider", o.calls.Name(), "error", err.Error())
		return OutboundCallResult{}, errorsx.Wrap(err, errorsx.ReasonTelephonyCreate)
	}

	o.learnControlID(sess, controlID)
	o.transition(sess, session.StateConnecting)
	log.Info("outbound_call_created", "control_id", controlID, "provider", o.calls.Name())

	status := broadcast.NewCallStatus(callID, "initiated", controlID)
	status.To = to
	status.From = from
	o.broadcastStatus(callID, status)
	return OutboundCallResult{CallConnectionID: controlID, CallID: callID}, nil
}

func callbackURL(public, callID, callerID string) string {
	q := url.Values{"callerId": {callerID}}
	return strings.TrimRight(public, "/") + "/api/callbacks/" + callID + "?" + q.Encode()
}

// HandleEvents applies a batch of call-control events to the session of
// callID in order.
func (o *Orchestrator) HandleEvents(ctx context.Context, callID string, events []transports.Event) {
	for _, ev := range events {
		o.handleEvent(ctx, callID, ev)
	}
}

func (o *Orchestrator) handleEvent(_ context.Context, callID string, ev transports.Event) {
	typ := eventType(ev.Type)
	controlID := ev.Data.CallConnectionID
	log := o.log.With("call_id", callID, "event", typ, "control_id", controlID, "correlation_id", ev.Data.CorrelationID)

	switch typ {
	case transports.EventCallConnected:
		sess, _ := o.registry.GetOrCreate(callID)
		if sess == nil {
			log.Warn("webhook_event_ignored", "reason", "empty call id")
			return
		}
		o.learnControlID(sess, controlID)
		o.transition(sess, session.StateConnected)
		log.Info("call_connected")
		o.broadcastStatus(callID, broadcast.NewCallStatus(callID, "connected", sess.ControlID()))

	case transports.EventMediaStreamingStarted:
		if sess, ok := o.registry.Get(callID); ok {
			o.learnControlID(sess, controlID)
			o.transition(sess, session.StateStreaming)
		}
		log.Info("media_streaming_started")
		o.broadcastStatus(callID, broadcast.NewMediaStatus(callID, "started", ""))

	case transports.EventMediaStreamingStopped:
		if sess, ok := o.registry.Get(callID); ok {
			o.learnControlID(sess, controlID)
			o.transition(sess, session.StateConnected)
		}
		log.Info("media_streaming_stopped")
		o.broadcastStatus(callID, broadcast.NewMediaStatus(callID, "stopped", ""))

	case transports.EventMediaStreamingFailed:
		if sess, ok := o.registry.Get(callID); ok {
			o.learnControlID(sess, controlID)
		}
		msg := ""
		if ev.Data.ResultInformation != nil {
			msg = ev.Data.ResultInformation.Message
		}
		log.Error("media_streaming_failed", "error", msg)
		o.broadcastStatus(callID, broadcast.NewMediaStatus(callID, "failed", msg))

	case transports.EventCallDisconnected:
		if sess, ok := o.registry.Get(callID); ok {
			o.learnControlID(sess, controlID)
			o.transition(sess, session.StateDisconnected)
			o.teardown(sess)
		}
		log.Info("call_disconnected")
		o.broadcastStatus(callID, broadcast.NewCallStatus(callID, "disconnected", controlID))

	default:
		log.Info("webhook_event_ignored", "type", ev.Type)
	}
}

// eventType strips a namespace prefix such as "Microsoft.Communication.".
func eventType(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "."); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func (o *Orchestrator) learnControlID(sess *session.CallSession, controlID string) {
	if controlID == "" {
		return
	}
	if sess.SetControlID(controlID) {
		o.registry.MarkCurrent(sess.ID)
	}
}

func (o *Orchestrator) transition(sess *session.CallSession, next session.State) {
	prev, changed := sess.Transition(next)
	if !changed {
		return
	}
	o.log.Debug("call_state_changed", "call_id", sess.ID, "from", string(prev), "to", string(next))
	metrics.Record(o.obs, metrics.EventCallState, 1, map[string]string{"call_id": sess.ID, "state": string(next)})
}

// teardown stops recognition and waits for its last results, then
// archives the transcript and forgets the session. It is a no-op for a session that was already replaced.
func (o *Orchestrator) teardown(sess *session.CallSession) {
	for _, err := range sess.StopChannels() {
		o.log.Warn("recognition_stop_failed", "call_id", sess.ID, "error", err.Error())
	}
	if cur, ok := o.registry.Get(sess.ID); ok && cur == sess {
		o.registry.Remove(sess.ID)
	}
	o.dropChat(sess.ID)
}

// EndCall hangs up callID, or when it is empty the most recent call with a
// control id.
func (o *Orchestrator) EndCall(ctx context.Context, callID string) error {
	var (
		sess *session.CallSession
		ok   bool
	)
	if strings.TrimSpace(callID) != "" {
		sess, ok = o.registry.Get(callID)
	} else {
		sess, ok = o.registry.Current()
	}
	if !ok {
		return ErrNoActiveCall
	}
	controlID := sess.ControlID()
	if controlID == "" {
		return fmt.Errorf("call %s has no control id: %w", sess.ID, ErrNoActiveCall)
	}
	if o.calls == nil {
		return errorsx.Newf(errorsx.ReasonTelephonyHangup, "telephony is not configured")
	}
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		return o.calls.HangUp(ctx, controlID)
	})
	if err != nil {
		o.log.Error("hangup_failed", "call_id", sess.ID, "control_id", controlID, "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTelephonyHangup)
	}
	o.log.Info("call_hung_up", "call_id", sess.ID, "control_id", controlID)
	o.broadcastStatus(sess.ID, broadcast.NewCallStatus(sess.ID, "disconnected", controlID))
	return nil
}

// channelFactory opens recognition channels for sess on demand. Each
// channel gets its own consumer goroutine.
func (o *Orchestrator) channelFactory(ctx context.Context, sess *session.CallSession) audio.ChannelFactory {
	return func(speaker session.Speaker, sampleRate int) (session.Channel, error) {
		if o.recognize == nil {
			return nil, errorsx.Newf(errorsx.ReasonSTTConnect, "speech recognition is not configured")
		}
		engine, err := o.recognize(stt.Config{
			CallID:     sess.ID,
			Speaker:    string(speaker),
			SampleRate: sampleRate,
			Language:   o.cfg.Language,
		})
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		}
		ch, err := recognition.Start(ctx, engine, recognition.Config{
			CallID:     sess.ID,
			Speaker:    speaker,
			PushBuffer: o.cfg.Audio.PushBuffer,
		})
		if err != nil {
			return nil, err
		}
		consumed := make(chan struct{})
		go func() {
			defer close(consumed)
			o.consumeRecognition(sess, ch)
		}()
		tracked := &consumedChannel{Channel: ch, consumed: consumed}
		sess.SetChannel(speaker, tracked)
		return tracked, nil
	}
}

// consumedChannel's Stop returns only after every event of the channel has
// been applied to the session, so a transcript archived right after
// StopChannels is complete.
type consumedChannel struct {
	*recognition.Channel
	consumed <-chan struct{}
}

func (c *consumedChannel) Stop() error {
	err := c.Channel.Stop()
	<-c.consumed
	return err
}

func (o *Orchestrator) consumeRecognition(sess *session.CallSession, ch *recognition.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case recognition.EventSpeechStarted:
			o.log.Debug("speech_started", "call_id", ev.CallID, "speaker", string(ev.Speaker))
		case recognition.EventRecognizing:
			o.log.Debug("recognizing", "call_id", ev.CallID, "speaker", string(ev.Speaker), "text", redact.Text(ev.Text))
		case recognition.EventRecognized:
			entry := sess.AppendTranscript(ev.Text, ev.Speaker, ev.At.UnixMilli())
			o.hub.AppendTranscript(sess.ID, entry)
			o.obs.RecordEvent(metrics.MetricsEvent{
				Name:   metrics.EventTranscriptFinal,
				Time:   ev.At,
				Value:  1,
				Tags:   map[string]string{"call_id": sess.ID, "speaker": string(ev.Speaker)},
				Fields: map[string]any{"text": ev.Text},
			})
			o.Publish(sess.ID, broadcast.Encode(broadcast.NewTranscription(sess.ID, entry)))
			o.log.Info("recognized", "call_id", ev.CallID, "speaker", string(ev.Speaker), "text", redact.Text(ev.Text))
		}
	}
	if n := ch.Dropped(); n > 0 {
		o.log.Warn("recognition_audio_dropped", "call_id", sess.ID, "speaker", string(ch.Speaker()), "chunks", n)
	}
}

// Recommend asks the model for a suggestion based on the transcript of id,
// which may name a call or an observer.
func (o *Orchestrator) Recommend(ctx context.Context, id string) (string, error) {
	entries, _ := o.registry.Transcript(id)
	if len(entries) == 0 {
		if obs, ok := o.hub.Get(id); ok {
			entries = obs.Transcript()
		}
	}
	if len(entries) == 0 {
		return NoContextRecommendation, nil
	}
	chat := o.chatFor(id)
	if chat == nil {
		return "", errorsx.Newf(errorsx.ReasonLLMStream, "language model is not configured")
	}
	reply, err := chat.Complete(ctx, llm.GenerateRequest{
		UserInput:    recommendationPrompt(entries),
		SystemPrompt: o.cfg.Chat.SystemPrompt,
		Language:     o.cfg.Language,
		Temperature:  o.cfg.Chat.Temperature,
	})
	if err != nil {
		o.log.Error("recommendation_failed", "id", id, "reason", string(errorsx.Reason(err)), "error", err.Error())
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func recommendationPrompt(entries []session.TranscriptEntry) string {
	var b strings.Builder
	b.WriteString("Given the following conversation between an agent and a customer, provide a concise and helpful recommendation for the customer:\n\n")
	for _, e := range entries {
		b.WriteString(string(e.Speaker))
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nRecommendation:")
	return b.String()
}

func (o *Orchestrator) chatFor(id string) *llm.ChatClient {
	if o.newChat == nil {
		return nil
	}
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	c, ok := o.chats[id]
	if !ok {
		c = o.newChat()
		o.chats[id] = c
	}
	return c
}

func (o *Orchestrator) dropChat(id string) {
	o.chatMu.Lock()
	delete(o.chats, id)
	o.chatMu.Unlock()
}

// Shutdown stops every live session.
func (o *Orchestrator) Shutdown() {
	for _, sess := range o.registry.Sessions() {
		o.teardown(sess)
	}
}
