// Package live defines the Provider interface for live conversational agents.
//
// A live provider wraps a real-time voice AI service that accepts a continuous
// stream of microphone audio and answers asynchronously with synthesised audio
// and transcription events, all over one persistent duplex channel. Gemini Live
// is the reference backend.
//
// The central abstraction is [Handle]: the outbound half of an open channel.
// The inbound half is delivered through the [Handler] callbacks given to
// [Provider.Open]. Events arrive in the order the service sent them, one at a
// time, on a single goroutine owned by the implementation.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Handle.Send] after the channel was closed.
var ErrClosed = errors.New("live: channel closed")

// Config is the configuration of a new live channel.
type Config struct {
	// Model is the provider-specific model name. Empty selects the provider default.
	Model string

	// Voice is the prebuilt voice the agent speaks with (e.g. "Zephyr").
	// Empty selects the provider default.
	Voice string

	// Instructions is the system-level prompt for the agent. Optional.
	Instructions string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the agent's speech.
	OutputTranscription bool
}

// Blob is an inline media payload: base64 data plus its MIME type.
type Blob struct {
	Data     string
	MIMEType string
}

// Transcription is a text delta of recognised or synthesised speech.
type Transcription struct {
	Text string
}

// Part is one element of a model turn. Exactly one field is usually set.
type Part struct {
	Text       string
	InlineData *Blob
}

// ModelTurn carries the content generated by the agent in one server message.
type ModelTurn struct {
	Parts []Part
}

// ServerContent is the content-bearing payload of a server message. Every
// member is optional; several may be present in the same message.
type ServerContent struct {
	InputTranscription  *Transcription
	OutputTranscription *Transcription
	TurnComplete        bool
	Interrupted         bool
	ModelTurn           *ModelTurn
}

// ServerMessage is one event received on the channel.
type ServerMessage struct {
	ServerContent *ServerContent
}

// Handler receives the inbound events of a channel. Nil members are skipped.
//
// Callbacks run on the provider's receive goroutine and may fire before Open
// returns to the caller. They must not block for long; blocking stalls
// delivery of every later event.
type Handler struct {
	// OnOpen is invoked once when the channel is ready for media.
	OnOpen func()

	// OnMessage is invoked for every server message, in arrival order.
	OnMessage func(msg *ServerMessage)

	// OnError is invoked when the channel fails. OnClose follows.
	OnError func(err error)

	// OnClose is invoked exactly once when the channel has terminated, for
	// any reason including a local Close.
	OnClose func()
}

// Handle is the outbound half of an open live channel.
type Handle interface {
	// Send enqueues media for delivery. Sends are fire-and-forget and
	// delivered in call order. Returns an error if the channel is closed or
	// cannot accept more media.
	Send(media Blob) error

	// Close terminates the channel. Close is idempotent and does not wait for
	// in-flight events to drain.
	Close() error
}

// Provider opens live channels.
type Provider interface {
	// Open dials the service and sends the initial configuration. A nil error
	// means the channel is being established; readiness is signalled by
	// Handler.OnOpen.
	Open(ctx context.Context, cfg Config, h Handler) (Handle, error)
}
