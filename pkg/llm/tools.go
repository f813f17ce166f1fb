package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Arguments is the parsed JSON object a tool was called with.
type Arguments map[string]any

// Decode copies the arguments into a tagged struct.
func (a Arguments) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(a))
}

// String returns a trimmed string argument, or "" when absent.
func (a Arguments) String(key string) string {
	v, _ := a[key].(string)
	return strings.TrimSpace(v)
}

// Output lets a running tool push text to whoever is consuming the response.
type Output interface {
	Emit(text string)
}

type discardOutput struct{}

func (discardOutput) Emit(string) {}

// DiscardOutput drops everything a tool emits.
var DiscardOutput Output = discardOutput{}

// ToolFunc executes one tool. Expected business misses ("no order found")
// are returned as text, not as errors.
type ToolFunc func(ctx context.Context, args Arguments, out Output) (string, error)

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Call        ToolFunc
}

// ToolRegistry maps tool names to implementations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	if t.Name == "" || t.Call == nil {
		panic(fmt.Sprintf("llm: invalid tool registration %q", t.Name))
	}
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the advertised schemas sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
