package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTranscriptFinal,
		Time: time.Now(),
		Tags: map[string]string{"call_id": "call-1", "speaker": "customer"},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventBroadcastDelivered,
		Time: time.Now(),
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "call-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), b)
	}
	if !strings.Contains(lines[0], `"event":"transcript_final"`) || !strings.Contains(lines[0], `"speaker":"customer"`) {
		t.Fatalf("unexpected line: %s", lines[0])
	}
}

func TestTimelineObserverRedactsFieldsAndSanitizesID(t *testing.T) {
	redact.SetEnabled(true)
	t.Cleanup(func() { redact.SetEnabled(false) })
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTranscriptFinal,
		Time:   time.Now(),
		Tags:   map[string]string{"call_id": "../evil"},
		Fields: map[string]any{"text": "call me at +1 415 555 0100"},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, ".._evil.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "555 0100") {
		t.Fatalf("expected phone number to be redacted: %s", b)
	}
}

func TestLatencyObserverLogsOnDisconnect(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	start := time.Now()
	state := func(s string, at time.Duration) {
		obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventCallState,
			Time: start.Add(at),
			Tags: map[string]string{"call_id": "c1", "state": s},
		})
	}
	state("CONNECTING", 0)
	state("CONNECTED", 1500*time.Millisecond)
	state("STREAMING", 2*time.Second)
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTranscriptFinal,
		Time: start.Add(3 * time.Second),
		Tags: map[string]string{"call_id": "c1"},
	})
	if obs.Pending() != 1 {
		t.Fatalf("expected 1 pending call, got %d", obs.Pending())
	}
	state("DISCONNECTED", 10*time.Second)

	out := buf.String()
	for _, want := range []string{"answer_ms=1500", "media_ms=500", "first_transcript_ms=1000", "transcripts=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if obs.Pending() != 0 {
		t.Fatalf("expected trace to be dropped")
	}
}

func TestPurgeArtifactsRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	notes := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, notes} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{old, notes} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removal, got %d err=%v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file should survive: %v", err)
	}
	if _, err := os.Stat(notes); err != nil {
		t.Fatalf("non-timeline file should survive: %v", err)
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
