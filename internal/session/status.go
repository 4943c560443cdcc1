package session

// Status is the externally visible state of a [Machine].
type Status string

const (
	// StatusIdle means no session exists and no resources are held.
	StatusIdle Status = "idle"

	// StatusConnecting means devices are being acquired and the channel is
	// opening.
	StatusConnecting Status = "connecting"

	// StatusActive means the channel is open and audio flows both ways.
	StatusActive Status = "active"

	// StatusError is entered when the session failed. It is transient: the
	// machine returns to [StatusIdle] once teardown completes, and
	// [Machine.LastError] keeps the cause.
	StatusError Status = "error"

	// StatusClosed is entered when the agent ended the session. It is
	// transient like [StatusError].
	StatusClosed Status = "closed"
)

// Text returns the line shown to the user for s. lastErr selects the error
// text while idle after a failure, so the retry prompt stays visible.
func (s Status) Text(lastErr error) string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusActive:
		return "Listening... Speak now."
	case StatusError:
		return "An error occurred. Please try again."
	}
	if lastErr != nil {
		return "An error occurred. Please try again."
	}
	return "Start a conversation with Gemini."
}
