package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const DefaultMaxTurns = 8

var (
	ErrMaxTurns    = errors.New("llm: tool-call turn limit reached")
	ErrUnknownTool = errors.New("llm: unknown tool")
)

// EmitFunc receives response text as it becomes available.
type EmitFunc func(token string)

type ProcessorOptions struct {
	MaxTurns int
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Processor drives the model through streamed replies and tool calls until
// it produces a final answer.
type Processor struct {
	provider Provider
	tools    *ToolRegistry
	maxTurns int
	obs      metrics.Observer
	logger   *slog.Logger
}

func NewProcessor(provider Provider, tools *ToolRegistry, opts ProcessorOptions) *Processor {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Processor{
		provider: provider,
		tools:    tools,
		maxTurns: opts.MaxTurns,
		obs:      opts.Observer,
		logger:   logging.NewComponentLogger(opts.Logger, "llm"),
	}
}

// Run streams the model's answer to the current history through emit.
// Every tool round trip is recorded in history before the model is asked
// again. On success the final assistant text, if any, is appended.
func (p *Processor) Run(ctx context.Context, history *History, temperature float64, emit EmitFunc) error {
	if emit == nil {
		emit = func(string) {}
	}
	out := emitOutput(emit)
	for turn := 0; turn < p.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.turn(ctx, history, temperature, emit)
		if err != nil {
			return err
		}
		if res.call == nil {
			if strings.TrimSpace(res.text) != "" {
				history.Append(Message{Role: RoleAssistant, Content: res.text})
			}
			return nil
		}
		if err := p.runTool(ctx, history, *res.call, emit, out); err != nil {
			return err
		}
	}
	p.logger.Warn("llm_max_turns", "max_turns", p.maxTurns)
	return errorsx.Wrap(fmt.Errorf("%w (%d)", ErrMaxTurns, p.maxTurns), errorsx.ReasonLLMMaxTurns)
}

type turnResult struct {
	text string
	call *ToolCall
}

func (p *Processor) turn(ctx context.Context, history *History, temperature float64, emit EmitFunc) (turnResult, error) {
	start := time.Now()
	stream, err := p.provider.Stream(ctx, Request{
		Messages:    history.Messages(),
		Tools:       p.tools.Specs(),
		Temperature: temperature,
	})
	if err != nil {
		return turnResult{}, p.streamErr(err)
	}
	defer stream.Close()

	var (
		text       strings.Builder
		args       strings.Builder
		call       ToolCall
		collecting bool
		index      int
		finish     FinishReason
	)
	for finish == FinishNone && stream.Next() {
		ev := stream.Event()
		if ev.Text != "" {
			text.WriteString(ev.Text)
			emit(ev.Text)
		}
		if d := ev.ToolCall; d != nil {
			if !collecting {
				collecting = true
				index = d.Index
			}
			if d.Index != index {
				p.logger.Warn("llm_extra_tool_call_ignored", "index", d.Index)
			} else {
				if call.ID == "" {
					call.ID = d.ID
				}
				if call.Name == "" {
					call.Name = d.Name
				}
				args.WriteString(d.Arguments)
			}
		}
		finish = ev.FinishReason
	}
	if err := stream.Err(); err != nil {
		return turnResult{}, p.streamErr(err)
	}
	metrics.Record(p.obs, metrics.EventLLMTurn, float64(time.Since(start).Milliseconds()), map[string]string{
		"provider": p.provider.Name(),
		"finish":   string(finish),
	})
	if finish == FinishToolCalls && collecting {
		call.Arguments = args.String()
		return turnResult{text: text.String(), call: &call}, nil
	}
	return turnResult{text: text.String()}, nil
}

func (p *Processor) runTool(ctx context.Context, history *History, call ToolCall, emit EmitFunc, out Output) error {
	args := Arguments{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errorsx.Wrap(fmt.Errorf("decode arguments for %s: %w", call.Name, err), errorsx.ReasonToolArguments)
		}
	}
	reply, _ := args["reply_to_customer"].(string)
	for _, tok := range Tokenize(reply) {
		emit(tok)
	}

	tool, ok := p.tools.Get(call.Name)
	if !ok {
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name), errorsx.ReasonToolUnknown)
	}

	mark := history.Len()
	history.Append(Message{Role: RoleAssistant, Content: reply, ToolCall: &call})

	start := time.Now()
	result, err := tool.Call(ctx, args, out)
	metrics.Record(p.obs, metrics.EventToolCall, float64(time.Since(start).Milliseconds()), map[string]string{
		"tool": call.Name,
		"ok":   fmt.Sprint(err == nil),
	})
	if err != nil {
		history.truncate(mark)
		return errorsx.Wrap(fmt.Errorf("tool %s: %w", call.Name, err), errorsx.ReasonToolExecute)
	}
	p.logger.Debug("llm_tool_called", "tool", call.Name, "result_len", len(result))
	history.Append(Message{Role: RoleTool, Content: result, ToolCallID: call.ID, Name: call.Name})
	return nil
}

func (p *Processor) streamErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	p.logger.Error("llm_stream_failed", "provider", p.provider.Name(), "error", err.Error())
	if resilience.IsRateLimit(err) || errors.Is(err, resilience.ErrCircuitOpen) {
		return errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMStream)
}

type emitOutput EmitFunc

func (e emitOutput) Emit(text string) { e(text) }
