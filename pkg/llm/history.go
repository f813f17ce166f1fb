package llm

import "sync"

// History is the ordered conversation fed to the model. Message 0 is the
// system message once SetSystem has been called.
type History struct {
	mu       sync.Mutex
	messages []Message
}

func NewHistory() *History {
	return &History{}
}

// SetSystem seeds an empty history with a system message or replaces the
// existing first message.
func (h *History) SetSystem(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := Message{Role: RoleSystem, Content: prompt}
	if len(h.messages) == 0 {
		h.messages = append(h.messages, msg)
		return
	}
	h.messages[0] = msg
}

func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msgs...)
	h.mu.Unlock()
}

// Messages returns a copy of the conversation.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *History) truncate(n int) {
	h.mu.Lock()
	if n >= 0 && n < len(h.messages) {
		h.messages = h.messages[:n]
	}
	h.mu.Unlock()
}
