// Package gemini is the "gemini-live" [live.Provider]: a single websocket to
// Google's BidiGenerateContent endpoint carrying JSON frames both ways.
// Outbound microphone frames become realtimeInput media chunks; inbound
// serverContent frames are unpacked into audio parts, transcripts and turn
// markers for the [live.Handler].
package gemini

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aptrium/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Handle = (*session)(nil)

// ErrQueueFull is returned by Send when the outbound queue is saturated.
var ErrQueueFull = errors.New("gemini: outbound queue full")

const (
	// DefaultModel is the native-audio model used when no model is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when no voice is configured.
	DefaultVoice = "Zephyr"

	defaultBaseURL   = "wss://generativelanguage.googleapis.com/ws"
	bidiMethod       = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultQueueSize = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option customises a [Provider].
type Option func(*Provider)

// WithModel replaces [DefaultModel] for sessions whose config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another websocket root, such as an
// httptest server.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

// WithQueueSize sets the number of outbound messages that may be pending
// before Send reports [ErrQueueFull].
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithKeepalive sets the interval between WebSocket pings. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// Provider opens Gemini Live sessions. It holds no connection state itself.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	queueSize int
	keepalive time.Duration
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel, baseURL: defaultBaseURL,
		queueSize: defaultQueueSize, keepalive: keepaliveInterval}
	for _, apply := range opts {
		apply(p)
	}
	return p
}

// endpoint is the BidiGenerateContent URL with the key as query parameter.
func (p *Provider) endpoint() string {
	return p.baseURL + "/" + bidiMethod + "?" + url.Values{"key": {p.apiKey}}.Encode()
}

// Open dials Gemini Live and sends the setup message. The returned handle
// accepts media immediately; messages are queued and flushed in order.
// h.OnOpen fires once the server acknowledges the setup.
func (p *Provider) Open(ctx context.Context, cfg live.Config, h live.Handler) (live.Handle, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	conn, _, err := websocket.Dial(ctx, p.endpoint(), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Audio replies are large; the library default of 32 KiB is too small.
	conn.SetReadLimit(-1)

	model := cmp.Or(cfg.Model, p.model)

	// The session outlives the dial context; Close cancels it.
	runCtx, stop := context.WithCancel(context.Background())
	sess := &session{conn: conn, handler: h, ctx: runCtx, cancel: stop,
		out: make(chan []byte, p.queueSize), done: make(chan struct{})}

	if err := sess.sendSetup(ctx, model, cfg); err != nil {
		stop()
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// ── Wire format: client to server ─────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Wire format: server to client ─────────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// toLive converts the wire form into the provider-neutral message.
func (sc *serverContent) toLive() *live.ServerMessage {
	out := &live.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = &live.Transcription{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = &live.Transcription{Text: sc.OutputTranscription.Text}
	}
	if sc.ModelTurn != nil {
		parts := make([]live.Part, len(sc.ModelTurn.Parts))
		for i, p := range sc.ModelTurn.Parts {
			parts[i].Text = p.Text
			if p.InlineData != nil {
				parts[i].InlineData = &live.Blob{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}
			}
		}
		out.ModelTurn = &live.ModelTurn{Parts: parts}
	}
	return &live.ServerMessage{ServerContent: out}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	handler live.Handler
	out     chan []byte

	mu     sync.Mutex
	errVal error // first write failure, reported by receiveLoop
	closed bool
	opened bool
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup writes the setup frame, which must precede any media.
func (s *session) sendSetup(ctx context.Context, model string, cfg live.Config) error {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// handler. It is the only goroutine that invokes handler callbacks, and it
// invokes OnClose exactly once when it exits.
func (s *session) receiveLoop() {
	defer func() {
		if s.handler.OnClose != nil {
			s.handler.OnClose()
		}
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if s.isClosed() {
			continue // drain until the close handshake completes
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}
		s.dispatch(&msg)
	}
}

// finish reports why the read loop ended. A local Close or a normal closure by
// the server is a plain close; anything else is an error.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	closedLocally := s.closed
	writeErr := s.errVal
	s.mu.Unlock()

	if closedLocally && writeErr == nil {
		return
	}
	if writeErr != nil {
		s.reportError(fmt.Errorf("gemini: write: %w", writeErr))
		return
	}
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		slog.Debug("gemini: server closed channel", "err", readErr)
		return
	}
	s.reportError(fmt.Errorf("gemini: read: %w", readErr))
}

func (s *session) reportError(err error) {
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

func (s *session) dispatch(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first && s.handler.OnOpen != nil {
			s.handler.OnOpen()
		}
	}
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.reportError(fmt.Errorf("gemini: server error %d %s: %s", msg.Error.Code, msg.Error.Status, text))
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is about to close the channel", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil && s.handler.OnMessage != nil {
		s.handler.OnMessage(msg.ServerContent.toLive())
	}
}

// writeLoop flushes queued outbound messages in order.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() != nil || s.isClosed() {
					return
				}
				s.mu.Lock()
				if s.errVal == nil {
					s.errVal = err
				}
				s.mu.Unlock()
				// Unblocks receiveLoop, which reports the failure.
				s.conn.CloseNow()
				return
			}
		}
	}
}

// keepaliveLoop pings every interval so idle proxies keep the socket open.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// Send enqueues one realtime media chunk. It never blocks.
func (s *session) Send(media live.Blob) error {
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: media.MIMEType, Data: media.Data}},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrClosed
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close terminates the session and releases all resources. Idempotent. The
// close handshake completes in the background; Close does not wait for it.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done) // stops keepaliveLoop
	go func() {
		err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
		if err != nil {
			slog.Debug("gemini: close handshake", "err", err)
		}
		s.cancel() // stops writeLoop and any blocked read
	}()
	return nil
}
