package client

import (
	"time"

	"emperror.dev/errors"
)

// StateKind is the active state of the connection state machine.
type StateKind int32

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StatePendingResponse
	StateErrorSend
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StatePendingResponse:
		return "PendingResponse"
	case StateErrorSend:
		return "ErrorSend"
	case StateError:
		return "Error"
	}

	return "Unknown"
}

var (
	ErrStopped           = errors.NewPlain("client stopped")
	ErrDisconnected      = errors.NewPlain("client is disconnected")
	ErrConnecting        = errors.NewPlain("client is connecting")
	ErrPendingResponse   = errors.NewPlain("previous response still pending")
	ErrErrorState        = errors.NewPlain("client is in error state")
	ErrSendFailed        = errors.NewPlain("send failed")
	ErrQueueFull         = errors.NewPlain("request queue full")
	ErrReservedPayload   = errors.NewPlain("reserved payload")
	ErrResponseTimeout   = errors.NewPlain("response timeout")
	ErrServerUnavailable = errors.NewPlain("server unavailable")
	ErrConnectFailed     = errors.NewPlain("connection failed")
	ErrConnectionLost    = errors.NewPlain("connection lost")
	ErrCancelled         = errors.NewPlain("request cancelled")
)

// PendingRequest is the single in-flight request awaiting its response.
type PendingRequest struct {
	RequestID string
	Payload   string
	SentAt    time.Time
	Deadline  time.Time
}

// state is the tagged state variant: kind selects which fields are meaningful.
type state struct {
	kind StateKind
	// pending is set in StatePendingResponse.
	pending *PendingRequest
	// err is the cause in StateErrorSend and StateError.
	err error
}

func disconnected() state { return state{kind: StateDisconnected} }
func connecting() state   { return state{kind: StateConnecting} }
func connected() state    { return state{kind: StateConnected} }

func pendingResponse(p *PendingRequest) state {
	return state{kind: StatePendingResponse, pending: p}
}

func errorSend(err error) state { return state{kind: StateErrorSend, err: err} }
func failed(err error) state    { return state{kind: StateError, err: err} }
