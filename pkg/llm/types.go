package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is a multimodal user attachment. URL may be a data URL.
type Image struct {
	URL string
}

// JPEGImage wraps base64 JPEG bytes as a data URL attachment.
func JPEGImage(b64 string) *Image {
	return &Image{URL: "data:image/jpeg;base64," + b64}
}

// ToolCall is the descriptor an assistant message carries when the model
// asked for a tool. Arguments is the raw JSON string the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Message struct {
	Role    Role
	Content string
	// Image is only set on user messages.
	Image *Image
	// ToolCall is set on assistant messages that requested a tool.
	ToolCall *ToolCall
	// ToolCallID links a tool message to the assistant message it answers.
	ToolCallID string
	// Name is the tool name on tool messages.
	Name string
}

type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// ToolCallDelta is one streamed fragment of a tool call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamEvent is one decoded chunk of model output. Any combination of
// fields may be set.
type StreamEvent struct {
	Text         string
	ToolCall     *ToolCallDelta
	FinishReason FinishReason
}

// ToolSpec is the schema advertised to the model for one tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	Messages          []Message
	Tools             []ToolSpec
	Temperature       float64
	ParallelToolCalls bool
}

// Stream is an open model response. Next blocks until an event is ready
// or the stream ends; Err reports why it ended.
type Stream interface {
	Next() bool
	Event() StreamEvent
	Err() error
	Close() error
}

// Provider opens streaming completions against one model backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}
