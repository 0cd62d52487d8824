// Package mock provides test doubles for the summarize package interfaces.
//
// Use Provider to script responses per call and inspect the requests that
// were submitted:
//
//	p := &mock.Provider{
//	    Responses: []mock.Scripted{
//	        {Err: &summarize.MalformedError{Err: errors.New("bad json")}},
//	        {Resp: &summarize.Response{Summary: "ok"}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

// Scripted is one scripted outcome of a Summarize call.
type Scripted struct {
	Resp *summarize.Response
	Err  error
}

// Provider is a mock implementation of summarize.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are consumed by successive Summarize calls. Once exhausted,
	// the last element repeats; an empty slice yields an empty Response.
	Responses []Scripted

	// Calls records every Request passed to Summarize, in order.
	Calls []summarize.Request

	idx int
}

// Summarize records the call and returns the next scripted outcome.
func (p *Provider) Summarize(ctx context.Context, req summarize.Request) (*summarize.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if len(p.Responses) == 0 {
		return &summarize.Response{}, nil
	}
	i := p.idx
	if i >= len(p.Responses) {
		i = len(p.Responses) - 1
	} else {
		p.idx++
	}
	s := p.Responses[i]
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Resp == nil {
		return &summarize.Response{}, nil
	}
	cp := *s.Resp
	return &cp, nil
}

// CallCount returns the number of Summarize invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// ResetCalls clears all recorded call history and the script position.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.idx = 0
}

// Ensure Provider implements summarize.Provider at compile time.
var _ summarize.Provider = (*Provider)(nil)
