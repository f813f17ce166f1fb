package llm

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateResponseSeedsThenReplacesSystem(t *testing.T) {
	p := &scriptedProvider{turns: [][]StreamEvent{
		{{Text: "one"}, {FinishReason: FinishStop}},
		{{Text: "two"}, {FinishReason: FinishStop}},
	}}
	c := NewChatClient(NewProcessor(p, nil, ProcessorOptions{}))
	ctx := context.Background()

	if err := c.GenerateResponse(ctx, GenerateRequest{UserInput: "a", SystemPrompt: "first"}, nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.GenerateResponse(ctx, GenerateRequest{UserInput: "b", SystemPrompt: "second", Language: "hi-IN"}, nil); err != nil {
		t.Fatalf("second: %v", err)
	}
	msgs := c.History().Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || !strings.HasPrefix(msgs[0].Content, "second") || !strings.HasSuffix(msgs[0].Content, "Respond in hi-IN.") {
		t.Fatalf("unexpected system message %q", msgs[0].Content)
	}
	if p.requests[0].Temperature != DefaultTemperature {
		t.Fatalf("expected default temperature, got %v", p.requests[0].Temperature)
	}
}

func TestGenerateResponseAttachesImage(t *testing.T) {
	p := &scriptedProvider{turns: [][]StreamEvent{{{Text: "a cat"}, {FinishReason: FinishStop}}}}
	c := NewChatClient(NewProcessor(p, nil, ProcessorOptions{}))
	err := c.GenerateResponse(context.Background(), GenerateRequest{
		UserInput:   "what is this",
		Image:       JPEGImage("QUJD"),
		Temperature: 0.2,
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	user := p.requests[0].Messages[1]
	if user.Image == nil || user.Image.URL != "data:image/jpeg;base64,QUJD" {
		t.Fatalf("expected image data url, got %+v", user.Image)
	}
	if p.requests[0].Temperature != 0.2 {
		t.Fatalf("expected explicit temperature")
	}
}

func TestCompleteCollectsTokens(t *testing.T) {
	p := &scriptedProvider{turns: [][]StreamEvent{{{Text: "Offer "}, {Text: "a refund."}, {FinishReason: FinishStop}}}}
	c := NewChatClient(NewProcessor(p, nil, ProcessorOptions{}))
	got, err := c.Complete(context.Background(), GenerateRequest{UserInput: "prompt"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "Offer a refund." {
		t.Fatalf("unexpected completion %q", got)
	}
}
