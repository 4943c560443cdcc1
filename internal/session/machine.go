// Package session drives one live voice conversation at a time.
//
// A [Machine] owns every resource of the current session: the output device
// and its playback scheduler, the capture pipeline, and the channel handle.
// It moves through idle → connecting → active and, when the session ends,
// through error or closed back to idle. All resources are released by a
// single teardown path that runs exactly once per session no matter whether
// the user stopped, the channel failed, or the agent hung up.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/aptrium/internal/capture"
	"github.com/MrWong99/aptrium/internal/observe"
	"github.com/MrWong99/aptrium/internal/playback"
	"github.com/MrWong99/aptrium/internal/transcript"
	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/provider/live"
)

// Config holds the dependencies of a [Machine].
type Config struct {
	// Provider opens the session channel. Required.
	Provider live.Provider

	// Input opens the microphone. Required.
	Input audio.InputBackend

	// Output opens the speaker. Required.
	Output audio.OutputBackend

	// Channel is the channel configuration used by the next Start. It can be
	// replaced later with [Machine.SetChannelConfig].
	Channel live.Config

	// FrameSize is the number of samples per captured frame. Default:
	// [audio.DefaultFrameSize].
	FrameSize int

	// InputFormat is requested from the microphone. Frames sent to the
	// channel are always [audio.CaptureFormat]. Default: [audio.CaptureFormat].
	InputFormat audio.Format

	// OutputFormat is requested from the speaker. Agent audio is converted
	// when it differs from [audio.PlaybackFormat]. Default: [audio.PlaybackFormat].
	OutputFormat audio.Format
}

// Option configures a [Machine].
type Option func(*Machine)

// WithStatusObserver registers fn to be called after every status change.
// err is the session's failure when status is [StatusError] and nil
// otherwise. fn must not call Start, Stop, or Close.
func WithStatusObserver(fn func(status Status, err error)) Option {
	return func(m *Machine) { m.onStatus = fn }
}

// WithInterimObserver registers fn to be called whenever the in-progress
// transcript lines change, including when a completed turn clears them.
func WithInterimObserver(fn func(transcript.Interim)) Option {
	return func(m *Machine) { m.onInterim = fn }
}

// WithTurnObserver registers fn to be called for every finalised turn.
func WithTurnObserver(fn func(sessionID string, turn transcript.Turn)) Option {
	return func(m *Machine) { m.onTurn = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// run holds the resources of one session. Fields other than id and started
// are guarded by Machine.mu.
type run struct {
	id      string
	started time.Time

	// cancel aborts a connect still in flight. It is called by teardown.
	cancel context.CancelFunc

	// tr collects this session's transcript only, so late callbacks of an
	// ended session cannot leak into the next one.
	tr *transcript.Aggregator

	out     audio.OutputDevice
	sched   *playback.Scheduler
	capture *capture.Pipeline
	handle  live.Handle

	opened bool
	torn   bool

	// done is closed when teardown has released every resource.
	done chan struct{}
}

// Machine is the session state machine. All exported methods are safe for
// concurrent use.
type Machine struct {
	provider  live.Provider
	input     audio.InputBackend
	output    audio.OutputBackend
	frameSize int
	inFormat  audio.Format
	outFormat audio.Format
	metrics   *observe.Metrics

	onStatus  func(Status, error)
	onInterim func(transcript.Interim)
	onTurn    func(string, transcript.Turn)

	mu      sync.Mutex
	status  Status
	lastErr error
	channel live.Config
	current *run

	// transcript is the aggregator of the current or most recent session.
	transcript *transcript.Aggregator
}

// New creates an idle [Machine].
func New(cfg Config, opts ...Option) *Machine {
	m := &Machine{
		provider:   cfg.Provider,
		input:      cfg.Input,
		output:     cfg.Output,
		frameSize:  cfg.FrameSize,
		inFormat:   cfg.InputFormat,
		outFormat:  cfg.OutputFormat,
		channel:    cfg.Channel,
		status:     StatusIdle,
		transcript: &transcript.Aggregator{},
	}
	if m.frameSize <= 0 {
		m.frameSize = audio.DefaultFrameSize
	}
	if !m.inFormat.Valid() {
		m.inFormat = audio.CaptureFormat
	}
	if !m.outFormat.Valid() {
		m.outFormat = audio.PlaybackFormat
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the failure of the most recent session, or nil. It is
// cleared by the next Start.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SessionID returns the ID of the current session, or "" when idle.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// History returns the finalised turns of the current or most recent session.
func (m *Machine) History() []transcript.Turn {
	return m.latestTranscript().History()
}

// Interim returns the in-progress transcript lines.
func (m *Machine) Interim() transcript.Interim {
	return m.latestTranscript().Interim()
}

func (m *Machine) latestTranscript() *transcript.Aggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript
}

// SetChannelConfig replaces the channel configuration used by the next
// Start. A running session keeps the configuration it was opened with.
func (m *Machine) SetChannelConfig(cfg live.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = cfg
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start begins a new session. It returns nil without doing anything when a
// session already exists.
//
// The output device is opened first, then the microphone. A device failure
// ends the session before the channel is opened; the returned error wraps
// [audio.ErrDeviceUnavailable]. Start returns once the channel is opening;
// the session becomes active when the agent confirms the channel.
//
// A Stop while Start is still acquiring devices or connecting cancels the
// connect; Start then releases what it holds and returns nil.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.current != nil {
		status := m.status
		m.mu.Unlock()
		slog.Debug("session: start ignored, session exists", "status", status)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:      uuid.NewString(),
		started: time.Now(),
		cancel:  cancel,
		tr:      &transcript.Aggregator{},
		done:    make(chan struct{}),
	}
	m.current = r
	m.transcript = r.tr
	m.lastErr = nil
	m.status = StatusConnecting
	chCfg := m.channel
	m.metrics.SessionsStarted.Add(ctx, 1)
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.mu.Unlock()

	m.notifyInterim(transcript.Interim{})
	m.notifyStatus(StatusConnecting, nil)

	ctx, span := observe.StartSessionSpan(ctx, "session.start", r.id)
	defer span.End()
	log := observe.SessionLogger(ctx, r.id)

	log.Info("session starting", "model", chCfg.Model, "voice", chCfg.Voice)

	// ── Output device ──
	out, err := m.output.OpenOutput(ctx, m.outFormat)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		err = fmt.Errorf("session: open output: %w", err)
		m.fail(r, "device", err)
		span.RecordError(err)
		return err
	}
	sched := playback.New(out, playback.WithMetrics(m.metrics))
	if !m.adopt(r, func() { r.out, r.sched = out, sched }) {
		if cerr := out.Close(); cerr != nil {
			log.Warn("session: close output after stop", "err", cerr)
		}
		return nil
	}

	// ── Capture device ──
	pipe := capture.New(m.input,
		capture.WithFrameSize(m.frameSize),
		capture.WithDeviceFormat(m.inFormat),
	)
	if err := pipe.Acquire(ctx); err != nil {
		err = fmt.Errorf("session: %w", err)
		m.fail(r, "device", err)
		span.RecordError(err)
		return err
	}
	if !m.adopt(r, func() { r.capture = pipe }) {
		if serr := pipe.Stop(); serr != nil {
			log.Warn("session: release microphone after stop", "err", serr)
		}
		return nil
	}

	// ── Channel ──
	handle, err := m.provider.Open(ctx, chCfg, m.handler(r))
	if err != nil && !m.isCurrent(r) {
		log.Info("session: connect abandoned after stop", "err", err)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("session: open channel: %w", err)
		m.metrics.RecordConnect(ctx, time.Since(r.started).Seconds(), "error")
		m.fail(r, "open", err)
		span.RecordError(err)
		return err
	}
	if !m.adopt(r, func() { r.handle = handle }) {
		if cerr := handle.Close(); cerr != nil {
			log.Warn("session: close channel after stop", "err", cerr)
		}
		return nil
	}
	return nil
}

// adopt runs set under the lock unless r was torn down meanwhile. When it
// reports false the caller still owns the resource and must release it.
func (m *Machine) adopt(r *run, set func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.torn {
		return false
	}
	set()
	return true
}

// isCurrent reports whether r is the current session and has not been torn down.
// Callbacks from an earlier session fail this check and are ignored.
func (m *Machine) isCurrent(r *run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == r && !r.torn
}

// ── Channel events ───────────────────────────────────────────────────────────

func (m *Machine) handler(r *run) live.Handler {
	return live.Handler{
		OnOpen:    func() { m.handleOpen(r) },
		OnMessage: func(msg *live.ServerMessage) { m.handleMessage(r, msg) },
		OnError: func(err error) {
			m.fail(r, "channel", fmt.Errorf("session: channel: %w", err))
		},
		OnClose: func() { m.teardown(r, StatusClosed, nil) },
	}
}

func (m *Machine) handleOpen(r *run) {
	m.mu.Lock()
	if m.current != r || r.torn || r.opened {
		m.mu.Unlock()
		return
	}
	r.opened = true
	m.status = StatusActive
	pipe := r.capture
	m.mu.Unlock()

	ctx := context.Background()
	m.metrics.RecordConnect(ctx, time.Since(r.started).Seconds(), "ok")
	m.notifyStatus(StatusActive, nil)
	slog.Info("session active", observe.SessionIDKey, r.id, "connect", time.Since(r.started))

	if err := pipe.Start(func(f audio.Frame) { m.sendFrame(r, f) }); err != nil {
		m.fail(r, "device", fmt.Errorf("session: start capture: %w", err))
	}
}

// sendFrame forwards one captured frame. It runs on the capture goroutine.
func (m *Machine) sendFrame(r *run, f audio.Frame) {
	ctx := context.Background()
	m.mu.Lock()
	h := r.handle
	ok := m.current == r && !r.torn && r.opened
	m.mu.Unlock()
	if !ok || h == nil {
		m.metrics.RecordFrameDropped(ctx, "not_open")
		return
	}
	blob := live.Blob{
		Data:     audio.EncodeTransport(f.Bytes()),
		MIMEType: audio.CaptureMIMEType,
	}
	if err := h.Send(blob); err != nil {
		m.metrics.RecordFrameDropped(ctx, "send_failed")
		slog.Debug("session: frame not sent", observe.SessionIDKey, r.id, "err", err)
		return
	}
	m.metrics.FramesSent.Add(ctx, 1)
}

// handleMessage applies one server message: input transcription, output
// transcription, turn completion, then every inline audio part in order.
func (m *Machine) handleMessage(r *run, msg *live.ServerMessage) {
	if msg == nil || msg.ServerContent == nil || !m.isCurrent(r) {
		return
	}
	sc := msg.ServerContent

	if sc.InputTranscription != nil {
		m.interim(r, r.tr.Append(transcript.Fragment{Role: transcript.RoleUser, Text: sc.InputTranscription.Text}))
	}
	if sc.OutputTranscription != nil {
		m.interim(r, r.tr.Append(transcript.Fragment{Role: transcript.RoleAgent, Text: sc.OutputTranscription.Text}))
	}
	if sc.TurnComplete {
		turn := r.tr.CompleteTurn()
		m.metrics.TurnsCompleted.Add(context.Background(), 1)
		m.interim(r, transcript.Interim{})
		if m.onTurn != nil {
			m.onTurn(r.id, turn)
		}
	}
	if sc.Interrupted {
		slog.Info("session: agent interrupted", observe.SessionIDKey, r.id)
	}
	if sc.ModelTurn == nil {
		return
	}

	m.mu.Lock()
	sched := r.sched
	m.mu.Unlock()
	if sched == nil {
		return
	}
	for i, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		if _, err := sched.Schedule(part.InlineData.Data); err != nil {
			slog.Warn("session: dropping audio segment", observe.SessionIDKey, r.id, "part", i, "err", err)
		}
	}
}

// ── Stop / teardown ──────────────────────────────────────────────────────────

// Stop ends the current session and returns once its resources are
// released. It is a no-op when idle. Stop must not be called from an
// observer.
func (m *Machine) Stop() {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r == nil {
		return
	}
	m.teardown(r, StatusIdle, nil)
	<-r.done
}

// Close is [Machine.Stop] for process shutdown. It always returns nil.
func (m *Machine) Close() error {
	m.Stop()
	return nil
}

func (m *Machine) fail(r *run, kind string, err error) {
	if m.teardown(r, StatusError, err) {
		m.metrics.RecordSessionError(context.Background(), kind)
	}
}

// teardown releases every resource of r exactly once. Resources are detached
// under the lock and released outside it in a fixed order: channel, capture,
// output device, scheduled playback. Release failures are logged. final is
// the status shown before the machine settles back to idle. It reports
// whether this call performed the teardown.
func (m *Machine) teardown(r *run, final Status, cause error) bool {
	m.mu.Lock()
	if r.torn {
		m.mu.Unlock()
		return false
	}
	r.torn = true
	defer close(r.done)
	r.cancel()

	handle, pipe, out, sched := r.handle, r.capture, r.out, r.sched
	r.handle, r.capture, r.out, r.sched = nil, nil, nil, nil
	if cause != nil {
		m.lastErr = cause
	}
	m.status = final
	m.mu.Unlock()

	log := slog.With(observe.SessionIDKey, r.id)
	switch {
	case cause != nil:
		log.Error("session failed", "err", cause)
	case final == StatusClosed:
		log.Info("session closed by agent")
	default:
		log.Info("session stopped")
	}
	if final != StatusIdle {
		m.notifyStatus(final, cause)
	}

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn("session: close channel", "err", err)
		}
	}
	if pipe != nil {
		if err := pipe.Stop(); err != nil {
			log.Warn("session: stop capture", "err", err)
		}
	}
	if out != nil {
		if err := out.Close(); err != nil {
			log.Warn("session: close output", "err", err)
		}
	}
	if sched != nil {
		sched.StopAll()
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)

	m.mu.Lock()
	if m.current == r {
		m.current = nil
		m.status = StatusIdle
	}
	m.mu.Unlock()
	m.notifyStatus(StatusIdle, nil)
	return true
}

func (m *Machine) notifyStatus(s Status, err error) {
	if m.onStatus != nil {
		m.onStatus(s, err)
	}
}

// interim publishes r's interim lines unless another session took over.
func (m *Machine) interim(r *run, in transcript.Interim) {
	m.mu.Lock()
	current := m.current == r
	m.mu.Unlock()
	if current {
		m.notifyInterim(in)
	}
}

func (m *Machine) notifyInterim(in transcript.Interim) {
	if m.onInterim != nil {
		m.onInterim(in)
	}
}
