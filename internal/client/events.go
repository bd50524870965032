package client

import "fmt"

type EventKind int

const (
	// EventResponse carries the payload answering a request.
	EventResponse EventKind = iota
	// EventError reports a rejected or failed request, or a state machine error.
	EventError
	// EventStateChanged reports a transition.
	EventStateChanged
	// EventServerReady fires on the first PONG after connecting, and when PONGs resume.
	EventServerReady
	// EventServerUnavailable fires once when PONGs stop arriving.
	EventServerUnavailable
	// EventConnectionFailed fires when the connect time budget is exhausted.
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "Response"
	case EventError:
		return "Error"
	case EventStateChanged:
		return "StateChanged"
	case EventServerReady:
		return "ServerReady"
	case EventServerUnavailable:
		return "ServerUnavailable"
	case EventConnectionFailed:
		return "ConnectionFailed"
	}

	return "Unknown"
}

// Event is a notification to the caller of the client.
type Event struct {
	Kind      EventKind
	RequestID string
	Payload   string
	Err       error
	From      StateKind
	To        StateKind
}

func (e Event) String() string {
	switch e.Kind {
	case EventResponse:
		return fmt.Sprintf("%s %s: %s", e.Kind, e.RequestID, e.Payload)
	case EventError, EventConnectionFailed:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.RequestID, e.Err)
	case EventStateChanged:
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.From, e.To)
	}

	return e.Kind.String()
}
