package llm

import (
	"context"
	"strings"
	"sync"
)

const DefaultTemperature = 0.7

type GenerateRequest struct {
	UserInput    string
	SystemPrompt string
	// Language, when set, is appended to the system prompt as a reply hint.
	Language string
	Image    *Image
	// Temperature of zero selects DefaultTemperature.
	Temperature float64
}

// ChatClient holds one conversation. Calls on a client are serialised.
type ChatClient struct {
	mu        sync.Mutex
	processor *Processor
	history   *History
}

func NewChatClient(processor *Processor) *ChatClient {
	return &ChatClient{processor: processor, history: NewHistory()}
}

// History exposes the conversation for inspection.
func (c *ChatClient) History() *History { return c.history }

// GenerateResponse appends the user turn and streams the reply through emit.
func (c *ChatClient) GenerateResponse(ctx context.Context, req GenerateRequest, emit EmitFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	system := req.SystemPrompt
	if lang := strings.TrimSpace(req.Language); lang != "" {
		system = strings.TrimSpace(system + "\n\nRespond in " + lang + ".")
	}
	c.history.SetSystem(system)
	c.history.Append(Message{Role: RoleUser, Content: req.UserInput, Image: req.Image})

	temp := req.Temperature
	if temp == 0 {
		temp = DefaultTemperature
	}
	return c.processor.Run(ctx, c.history, temp, emit)
}

// Complete runs one request and returns the collected reply.
func (c *ChatClient) Complete(ctx context.Context, req GenerateRequest) (string, error) {
	var b strings.Builder
	err := c.GenerateResponse(ctx, req, func(tok string) { b.WriteString(tok) })
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
