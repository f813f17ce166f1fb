package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/callbridge/pkg/transports"
)

// CallControl is an in-memory transports.CallControl for local runs and tests.
type CallControl struct {
	mu        sync.Mutex
	next      int
	created   []transports.CreateCallRequest
	hangups   []string
	createErr error
	hangupErr error
}

func New() *CallControl {
	return &CallControl{}
}

func (c *CallControl) Name() string { return "mock" }

// FailCreate makes every following CreateCall return err.
func (c *CallControl) FailCreate(err error) {
	c.mu.Lock()
	c.createErr = err
	c.mu.Unlock()
}

// FailHangUp makes every following HangUp return err.
func (c *CallControl) FailHangUp(err error) {
	c.mu.Lock()
	c.hangupErr = err
	c.mu.Unlock()
}

func (c *CallControl) CreateCall(ctx context.Context, req transports.CreateCallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	if c.createErr != nil {
		return "", c.createErr
	}
	c.next++
	return fmt.Sprintf("mock-call-%d", c.next), nil
}

func (c *CallControl) HangUp(ctx context.Context, controlID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, controlID)
	return c.hangupErr
}

func (c *CallControl) Created() []transports.CreateCallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transports.CreateCallRequest(nil), c.created...)
}

func (c *CallControl) HangUps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hangups...)
}
