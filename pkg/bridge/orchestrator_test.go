package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/broadcast"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers/mock"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transports"
	mocktransport "github.com/harunnryd/callbridge/pkg/transports/mock"
)

type recordConn struct {
	id   string
	mu   sync.Mutex
	msgs [][]byte
}

func (c *recordConn) ID() string { return c.id }

func (c *recordConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordConn) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordConn) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.ofType(typ); len(got) > 0 {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s message received; got %v", typ, c.messages())
	return nil
}

type fixture struct {
	orch  *Orchestrator
	calls *mocktransport.CallControl
	llm   *mock.LLMProvider
	obs   *metrics.MemoryObserver
}

func testConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":0",
			PublicURL:    "https://bridge.example.test",
			WebsocketURL: "wss://bridge.example.test",
		},
		Telephony: TelephonyConfig{
			VendorConfig:      VendorConfig{Provider: "mock"},
			SourcePhoneNumber: DefaultSourcePhoneNumber,
			Retries:           1,
			RetryBackoff:      time.Millisecond,
		},
		Chat: ChatConfig{
			SystemPrompt: "You are a helpful customer service assistant.",
			MaxTurns:     4,
		},
		Audio:    AudioConfig{DefaultSampleRate: 16000, PushBuffer: 16},
		Language: DefaultLanguage,
	}
}

func newFixture(t *testing.T, llmCfg mock.LLMConfig, sttCfg mock.STTConfig) *fixture {
	t.Helper()
	return newFixtureWith(t, llmCfg, mock.Factory(sttCfg))
}

func newFixtureWith(t *testing.T, llmCfg mock.LLMConfig, recognizers stt.Factory) *fixture {
	t.Helper()
	calls := mocktransport.New()
	provider := mock.NewLLMProvider(llmCfg)
	obs := metrics.NewMemoryObserver()
	cfg := testConfig()
	orch := NewOrchestrator(Options{
		Config:      cfg,
		Calls:       calls,
		Recognizers: recognizers,
		NewChat: func() *llm.ChatClient {
			return llm.NewChatClient(llm.NewProcessor(provider, nil, llm.ProcessorOptions{MaxTurns: cfg.Chat.MaxTurns}))
		},
		Observer: obs,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Queue().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{orch: orch, calls: calls, llm: provider, obs: obs}
}

func (f *fixture) observe(t *testing.T, id, callID string) (*recordConn, *broadcast.Observer) {
	t.Helper()
	conn := &recordConn{id: id}
	obs, err := f.orch.Hub().Add(conn, callID)
	if err != nil {
		t.Fatalf("add observer: %v", err)
	}
	return conn, obs
}

func TestStartOutboundCallValidatesRequest(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})

	cases := []struct {
		req  OutboundCallRequest
		want string
	}{
		{OutboundCallRequest{BotID: "bot"}, "Phone number is required"},
		{OutboundCallRequest{PhoneNumber: "+15550001111"}, "Bot ID is required"},
	}
	for _, tc := range cases {
		_, err := f.orch.StartOutboundCall(context.Background(), tc.req)
		if !errorsx.HasReason(err, errorsx.ReasonValidation) || err.Error() != tc.want {
			t.Fatalf("expected validation error %q, got %v", tc.want, err)
		}
	}
	if n := len(f.calls.Created()); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
	if f.orch.Registry().Len() != 0 {
		t.Fatalf("expected no sessions")
	}
}

func TestStartOutboundCallCreatesSessionAndBroadcasts(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	conn, _ := f.observe(t, "dash", "")

	res, err := f.orch.StartOutboundCall(context.Background(), OutboundCallRequest{PhoneNumber: "+15550001111", BotID: "bot-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.CallID == "" || res.CallConnectionID != "mock-call-1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	created := f.calls.Created()
	if len(created) != 1 {
		t.Fatalf("expected 1 create, got %d", len(created))
	}
	req := created[0]
	wantCallback := "https://bridge.example.test/api/callbacks/" + res.CallID + "?callerId=%2B18772246445"
	if req.CallbackURL != wantCallback {
		t.Fatalf("callback url = %q, want %q", req.CallbackURL, wantCallback)
	}
	if req.MediaURL != "wss://bridge.example.test/ws/audio/"+res.CallID {
		t.Fatalf("unexpected media url %q", req.MediaURL)
	}
	if req.From != DefaultSourcePhoneNumber || req.To != "+15550001111" {
		t.Fatalf("unexpected numbers: %+v", req)
	}

	sess, ok := f.orch.Registry().Get(res.CallID)
	if !ok {
		t.Fatalf("expected session")
	}
	if sess.State() != session.StateConnecting || sess.ControlID() != "mock-call-1" {
		t.Fatalf("unexpected session state=%s control=%s", sess.State(), sess.ControlID())
	}
	if cur, ok := f.orch.Registry().Current(); !ok || cur != sess {
		t.Fatalf("expected session to be current")
	}

	msg := conn.waitFor(t, broadcast.TypeCallStatus)
	if msg["status"] != "initiated" || msg["to"] != "+15550001111" || msg["from"] != DefaultSourcePhoneNumber {
		t.Fatalf("unexpected status message: %v", msg)
	}
}

func TestStartOutboundCallFailureRemovesSession(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	f.calls.FailCreate(errors.New("provider down"))

	_, err := f.orch.StartOutboundCall(context.Background(), OutboundCallRequest{PhoneNumber: "+15550001111", BotID: "bot"})
	if !errorsx.HasReason(err, errorsx.ReasonTelephonyCreate) {
		t.Fatalf("expected telephony_create, got %v", err)
	}
	if f.orch.Registry().Len() != 0 {
		t.Fatalf("expected session to be removed")
	}
	if n := len(f.calls.Created()); n < 2 {
		t.Fatalf("expected create to be retried, got %d attempts", n)
	}
}

func TestHandleEventsDrivesLifecycle(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	conn, _ := f.observe(t, "dash", "")
	ctx := context.Background()

	f.orch.HandleEvents(ctx, "c1", []transports.Event{{
		Type: "Microsoft.Communication.CallConnected",
		Data: transports.EventData{CallConnectionID: "ctl-1"},
	}})
	sess, ok := f.orch.Registry().Get("c1")
	if !ok || sess.State() != session.StateConnected || sess.ControlID() != "ctl-1" {
		t.Fatalf("expected connected session with control id")
	}

	f.orch.HandleEvents(ctx, "c1", []transports.Event{
		{Type: transports.EventMediaStreamingStarted, Data: transports.EventData{CallConnectionID: "ctl-2"}},
		{Type: transports.EventMediaStreamingFailed, Data: transports.EventData{
			ResultInformation: &transports.ResultInformation{Message: "media socket unreachable"},
		}},
		{Type: "Microsoft.Communication.RecognizeCompleted"},
	})
	if sess.ControlID() != "ctl-1" {
		t.Fatalf("control id must not change, got %s", sess.ControlID())
	}
	if sess.State() != session.StateStreaming {
		t.Fatalf("expected STREAMING, got %s", sess.State())
	}
	media := conn.ofType(broadcast.TypeMediaStatus)
	if len(media) != 2 || media[0]["status"] != "started" || media[1]["status"] != "failed" || media[1]["error"] != "media socket unreachable" {
		t.Fatalf("unexpected media statuses: %v", media)
	}

	sess.AppendTranscript("hello", session.SpeakerCustomer, 1)
	f.orch.HandleEvents(ctx, "c1", []transports.Event{{Type: transports.EventCallDisconnected}})
	if _, ok := f.orch.Registry().Get("c1"); ok {
		t.Fatalf("expected session to be removed")
	}
	if entries, ok := f.orch.Registry().Transcript("c1"); !ok || len(entries) != 1 {
		t.Fatalf("expected archived transcript, got %v ok=%v", entries, ok)
	}
	statuses := conn.ofType(broadcast.TypeCallStatus)
	if len(statuses) != 2 || statuses[0]["status"] != "connected" || statuses[1]["status"] != "disconnected" {
		t.Fatalf("unexpected call statuses: %v", statuses)
	}
	if f.obs.Count(metrics.EventCallState) != 3 {
		t.Fatalf("expected 3 state changes, got %d", f.obs.Count(metrics.EventCallState))
	}
}

func TestEndCallUsesCurrentSession(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	conn, obs := f.observe(t, "dash", "")

	f.orch.HandleEvents(context.Background(), "c1", []transports.Event{{
		Type: transports.EventCallConnected,
		Data: transports.EventData{CallConnectionID: "ctl-1"},
	}})
	f.orch.HandleObserverMessage(context.Background(), obs, []byte(`{"type":"endCall"}`))

	if got := f.calls.HangUps(); len(got) != 1 || got[0] != "ctl-1" {
		t.Fatalf("unexpected hangups: %v", got)
	}
	statuses := conn.ofType(broadcast.TypeCallStatus)
	if last := statuses[len(statuses)-1]; last["status"] != "disconnected" {
		t.Fatalf("expected disconnected broadcast, got %v", last)
	}
}

func TestEndCallFailureRepliesToRequesterOnly(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	requester, obs := f.observe(t, "dash", "")
	other, _ := f.observe(t, "other", "")
	f.calls.FailHangUp(errors.New("carrier rejected"))

	f.orch.HandleEvents(context.Background(), "c1", []transports.Event{{
		Type: transports.EventCallConnected,
		Data: transports.EventData{CallConnectionID: "ctl-1"},
	}})
	f.orch.HandleObserverMessage(context.Background(), obs, []byte(`{"type":"endCall","callId":"c1"}`))

	errs := requester.ofType(broadcast.TypeError)
	if len(errs) != 1 || !strings.HasPrefix(errs[0]["message"].(string), "Failed to end call: ") {
		t.Fatalf("unexpected error replies: %v", errs)
	}
	if len(other.ofType(broadcast.TypeError)) != 0 {
		t.Fatalf("error must only reach the requester")
	}
}

func TestEndCallWithoutSession(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	if err := f.orch.EndCall(context.Background(), ""); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
}

func TestGetTranscriptionFallsBackToObserverTranscript(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	conn, obs := f.observe(t, "dash", "")
	sess, _ := f.orch.Registry().GetOrCreate("c1")
	entry := sess.AppendTranscript("need help", session.SpeakerCustomer, 10)
	f.orch.Hub().AppendTranscript("c1", entry)
	ctx := context.Background()

	f.orch.HandleObserverMessage(ctx, obs, []byte(`{"type":"getTranscription","callId":"missing"}`))
	reply := conn.waitFor(t, broadcast.TypeTranscriptions)
	if _, ok := reply["callId"]; ok {
		t.Fatalf("fallback reply must not carry a callId: %v", reply)
	}
	if data := reply["data"].([]any); len(data) != 1 {
		t.Fatalf("expected observer transcript, got %v", data)
	}

	f.orch.HandleObserverMessage(ctx, obs, []byte(`{"type":"getTranscription","callId":"c1"}`))
	reply = conn.waitFor(t, broadcast.TypeTranscriptions)
	if reply["callId"] != "c1" {
		t.Fatalf("expected call transcript, got %v", reply)
	}

	f.orch.HandleObserverMessage(ctx, obs, []byte(`{"type":"clearTranscription","callId":"c1"}`))
	cleared := conn.waitFor(t, broadcast.TypeTranscriptionCleared)
	if cleared["callId"] != "c1" || len(sess.Transcript()) != 0 {
		t.Fatalf("expected transcript cleared, got %v", cleared)
	}

	f.orch.HandleObserverMessage(ctx, obs, []byte(`not json`))
	if errs := conn.ofType(broadcast.TypeError); len(errs) != 1 {
		t.Fatalf("expected error reply for malformed message, got %v", errs)
	}
}

func TestObserverDisconnectNotifiesOthers(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	_, leaving := f.observe(t, "leaving", "")
	stay, _ := f.observe(t, "stay", "")

	f.orch.dropObserver(leaving)
	msg := stay.waitFor(t, broadcast.TypeClientDisconnected)
	if msg["clientId"] != "leaving" {
		t.Fatalf("unexpected disconnect notice: %v", msg)
	}
	if f.orch.Hub().Len() != 1 {
		t.Fatalf("expected one observer left")
	}
}

type brokenConn struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (c *brokenConn) ID() string            { return c.id }
func (c *brokenConn) Send(msg []byte) error { return errors.New("write: broken pipe") }

func (c *brokenConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestEvictedObserverStillCleansUpOnDisconnect(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	stay, _ := f.observe(t, "stay", "")
	broken := &brokenConn{id: "flaky"}
	evicted, err := f.orch.Hub().Add(broken, "c1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	sess, _ := f.orch.Registry().GetOrCreate("c1")
	sess.AttachObserver("flaky")
	f.orch.chatFor("flaky")

	f.orch.HandleEvents(context.Background(), "c1", []transports.Event{{
		Type: transports.EventCallConnected,
		Data: transports.EventData{CallConnectionID: "ctl-1"},
	}})
	if _, ok := f.orch.Hub().Get("flaky"); ok {
		t.Fatalf("observer with a failing send should be evicted")
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Fatalf("evicted observer's connection should be closed")
	}

	f.orch.dropObserver(evicted)
	msg := stay.waitFor(t, broadcast.TypeClientDisconnected)
	if msg["clientId"] != "flaky" {
		t.Fatalf("unexpected disconnect notice: %v", msg)
	}
	if len(sess.Observers()) != 0 {
		t.Fatalf("evicted observer should be detached from the session, got %v", sess.Observers())
	}
	f.orch.chatMu.Lock()
	_, cached := f.orch.chats["flaky"]
	f.orch.chatMu.Unlock()
	if cached {
		t.Fatalf("evicted observer's chat should be dropped")
	}
}

func TestReconnectedObserverIsNotDropped(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	stay, _ := f.observe(t, "stay", "")
	_, first := f.observe(t, "dash", "")
	_, second := f.observe(t, "dash", "")

	f.orch.dropObserver(first)
	if cur, ok := f.orch.Hub().Get("dash"); !ok || cur != second {
		t.Fatalf("reconnected observer must stay registered")
	}
	time.Sleep(20 * time.Millisecond)
	if got := stay.ofType(broadcast.TypeClientDisconnected); len(got) != 0 {
		t.Fatalf("no disconnect notice expected for a reconnect, got %v", got)
	}
}

func TestAudioRecognitionReachesObservers(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{Transcript: "I want a refund"})
	conn, _ := f.observe(t, "dash", "c1")

	p, end := f.orch.AttachAudio(context.Background(), "c1")
	if err := p.HandleText([]byte(`{"kind":"AudioMetadata","audioMetadata":{"sampleRate":8000,"encoding":"PCM"}}`)); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	frame := `{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) + `"}}`
	if err := p.HandleText([]byte(frame)); err != nil {
		t.Fatalf("audio: %v", err)
	}

	msg := conn.waitFor(t, broadcast.TypeTranscription)
	if msg["text"] != "I want a refund" || msg["speaker"] != "customer" || msg["callId"] != "c1" {
		t.Fatalf("unexpected transcription: %v", msg)
	}
	stream := conn.waitFor(t, broadcast.TypeAudioStream)
	if stream["sampleRate"] != float64(8000) {
		t.Fatalf("expected announced sample rate, got %v", stream)
	}
	if got := conn.ofType(broadcast.TypeTranscription); len(got) != 1 {
		t.Fatalf("expected one transcription, got %d", len(got))
	}
	waitTranscript(t, f.orch, "c1", 1)

	end()
	if _, ok := f.orch.Registry().Get("c1"); ok {
		t.Fatalf("expected session to be removed after audio close")
	}
	if closed := conn.waitFor(t, broadcast.TypeMediaStatus); closed["status"] != "closed" {
		t.Fatalf("expected mediaStatus closed, got %v", closed)
	}
	if entries, _ := f.orch.Registry().Transcript("c1"); len(entries) != 1 || entries[0].Text != "I want a refund" {
		t.Fatalf("unexpected archived transcript: %v", entries)
	}
	if f.obs.Count(metrics.EventTranscriptFinal) != 1 {
		t.Fatalf("expected transcript metric")
	}
}

func TestDisconnectKeepsFinalsAlreadyRecognized(t *testing.T) {
	engines := make(chan *mock.Recognizer, 2)
	f := newFixtureWith(t, mock.LLMConfig{}, func(stt.Config) (stt.Recognizer, error) {
		r := mock.NewRecognizer(mock.STTConfig{})
		engines <- r
		return r, nil
	})
	conn, _ := f.observe(t, "dash", "c1")
	ctx := context.Background()
	f.orch.HandleEvents(ctx, "c1", []transports.Event{{Type: transports.EventCallConnected, Data: transports.EventData{CallConnectionID: "ctl-1"}}})

	p, _ := f.orch.AttachAudio(ctx, "c1")
	frame := `{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `"}}`
	if err := p.HandleText([]byte(frame)); err != nil {
		t.Fatalf("audio: %v", err)
	}
	engine := <-engines

	const n = 60
	for i := 0; i < n; i++ {
		engine.Emit(stt.Result{Kind: stt.ResultFinal, Text: "utterance"})
	}
	f.orch.HandleEvents(ctx, "c1", []transports.Event{{Type: transports.EventCallDisconnected}})

	if _, live := f.orch.Registry().Get("c1"); live {
		t.Fatalf("expected session to be removed")
	}
	archived, _ := f.orch.Registry().Transcript("c1")
	if len(archived) != n {
		t.Fatalf("expected %d archived entries, got %d", n, len(archived))
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.ofType(broadcast.TypeTranscription)) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(conn.ofType(broadcast.TypeTranscription)); got != n {
		t.Fatalf("expected %d broadcast transcriptions, got %d", n, got)
	}
}

func waitTranscript(t *testing.T, o *Orchestrator, callID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries, _ := o.Registry().Transcript(callID); len(entries) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transcript of %s never reached %d entries", callID, n)
}

func TestRecommendWithoutContext(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, mock.STTConfig{})
	got, err := f.orch.Recommend(context.Background(), "nobody")
	if err != nil || got != NoContextRecommendation {
		t.Fatalf("expected no-context reply, got %q err=%v", got, err)
	}
	if n := len(f.llm.Requests()); n != 0 {
		t.Fatalf("model must not be called, got %d requests", n)
	}
}

func TestRecommendBuildsPromptFromTranscript(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "  Offer a refund.  "}, mock.STTConfig{})
	sess, _ := f.orch.Registry().GetOrCreate("c1")
	sess.AppendTranscript("How can I help?", session.SpeakerAgent, 1)
	sess.AppendTranscript("My order is late", session.SpeakerCustomer, 2)

	got, err := f.orch.Recommend(context.Background(), "c1")
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if got != "Offer a refund." {
		t.Fatalf("unexpected recommendation %q", got)
	}
	reqs := f.llm.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one model request, got %d", len(reqs))
	}
	msgs := reqs[0].Messages
	if msgs[0].Role != llm.RoleSystem || !strings.HasSuffix(msgs[0].Content, "Respond in en-IN.") {
		t.Fatalf("unexpected system message: %+v", msgs[0])
	}
	prompt := msgs[len(msgs)-1].Content
	for _, want := range []string{"agent: How can I help?\n", "customer: My order is late\n", "\n\nRecommendation:"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRecommendReportsModelFailure(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{Err: errors.New("quota exceeded")}, mock.STTConfig{})
	sess, _ := f.orch.Registry().GetOrCreate("c1")
	sess.AppendTranscript("hi", session.SpeakerCustomer, 1)

	if _, err := f.orch.Recommend(context.Background(), "c1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEventTypeStripsNamespace(t *testing.T) {
	cases := map[string]string{
		"Microsoft.Communication.CallConnected": "CallConnected",
		"CallDisconnected":                      "CallDisconnected",
		" MediaStreamingStarted ":               "MediaStreamingStarted",
	}
	for in, want := range cases {
		if got := eventType(in); got != want {
			t.Fatalf("eventType(%q) = %q, want %q", in, got, want)
		}
	}
}
