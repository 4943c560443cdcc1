// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Open calls and to drive the inbound half of the
// channel: EmitOpen, EmitMessage, EmitError and EmitClose invoke the handler
// registered by the most recent Open, synchronously on the caller's goroutine.
// Use Handle to inspect what was sent.
//
// Example:
//
//	p := &mock.Provider{}
//	h, _ := p.Open(ctx, cfg, handler)
//	p.EmitOpen()
//	_ = h.Send(live.Blob{Data: "AAAA", MIMEType: "audio/pcm;rate=16000"})
//	sent := p.Handle.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aptrium/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Handle   = (*Handle)(nil)
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Handle is returned by Open. If nil, Open creates a new Handle on every call.
	Handle *Handle

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OnOpenCall, if set, runs inside Open after the handler was registered
	// and before Open returns. Use it to emit events during Open.
	OnOpenCall func(p *Provider)

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	handler live.Handler
}

// Open records the call, stores h, and returns Handle, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg live.Config, h live.Handler) (live.Handle, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		err := p.OpenErr
		p.mu.Unlock()
		return nil, err
	}
	p.handler = h
	if p.Handle == nil || p.Handle.closedState() {
		p.Handle = &Handle{}
	}
	handle := p.Handle
	hook := p.OnOpenCall
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return handle, nil
}

// OpenCallCount returns the number of Open calls.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// CurrentHandle returns the handle returned by the most recent Open.
func (p *Provider) CurrentHandle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Handle
}

func (p *Provider) current() live.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// Handler returns the handler registered by the most recent Open. Tests use
// it to keep a reference to a stale session's callbacks.
func (p *Provider) Handler() live.Handler {
	return p.current()
}

// EmitOpen invokes OnOpen of the current handler.
func (p *Provider) EmitOpen() {
	if h := p.current(); h.OnOpen != nil {
		h.OnOpen()
	}
}

// EmitMessage invokes OnMessage of the current handler.
func (p *Provider) EmitMessage(msg *live.ServerMessage) {
	if h := p.current(); h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

// EmitError invokes OnError of the current handler.
func (p *Provider) EmitError(err error) {
	if h := p.current(); h.OnError != nil {
		h.OnError(err)
	}
}

// EmitClose invokes OnClose of the current handler.
func (p *Provider) EmitClose() {
	if h := p.current(); h.OnClose != nil {
		h.OnClose()
	}
}

// Handle is a mock implementation of live.Handle.
type Handle struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	sent           []live.Blob
	closed         bool
	callCountClose int
}

// Send records media and returns SendErr, or live.ErrClosed after Close.
func (h *Handle) Send(media live.Blob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return live.ErrClosed
	}
	if h.SendErr != nil {
		return h.SendErr
	}
	h.sent = append(h.sent, media)
	return nil
}

// Close records the call.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callCountClose++
	h.closed = true
	return h.CloseErr
}

// Sent returns a copy of every successfully sent blob in order.
func (h *Handle) Sent() []live.Blob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]live.Blob(nil), h.sent...)
}

// CloseCallCount returns how many times Close was called.
func (h *Handle) CloseCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callCountClose
}

func (h *Handle) closedState() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
