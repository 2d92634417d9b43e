// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct Requests
// and to feed controlled responses without a live backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Response: &llm.Response{Text: "hello!", Provider: "mock"},
//	}
//	resp, err := p.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// Call records a single invocation of Generate.
type Call struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause Generate to return nil, nil. Set Err to inject errors.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Generate. May be nil.
	Response *llm.Response

	// Err, if non-nil, is returned as the error from Generate.
	Err error

	// GenerateFunc, if set, overrides Response and Err entirely.
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

	// Calls records every invocation of Generate in order.
	Calls []Call
}

// Generate records the call and returns Response, Err.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	fn := p.GenerateFunc
	resp, err := p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Describe implements llm.Provider.
func (p *Provider) Describe() string { return "mock" }

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
