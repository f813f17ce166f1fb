package bridge

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/runner"
)

func TestEngineServesAndDrains(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Vendors.STT.Provider = "mock"
	cfg.Vendors.LLM.Provider = "mock"
	cfg.Observability.ArtifactsDir = t.TempDir()
	cfg.LogLevel = "error"

	e, err := NewEngine(EngineOptions{Config: cfg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + e.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	res, err := e.Orchestrator().StartOutboundCall(context.Background(), OutboundCallRequest{PhoneNumber: "+15550001111", BotID: "bot"})
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	if e.Orchestrator().Registry().Len() != 0 {
		t.Fatalf("expected sessions to be ended on drain")
	}
	if _, err := os.Stat(filepath.Join(cfg.Observability.ArtifactsDir, res.CallID+".jsonl")); err != nil {
		t.Fatalf("expected call timeline artifact: %v", err)
	}
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.STT.Provider = "mock"
	cfg.Vendors.LLM.Provider = "unknown"
	cfg.LogLevel = "error"
	if _, err := NewEngine(EngineOptions{Config: cfg}); err == nil {
		t.Fatalf("expected error for unregistered llm provider")
	}
}
