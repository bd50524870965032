// Package envelope is the wire format shared by the client and the responder.
//
// Both envelopes are protobuf (proto2) messages encoded field by field with protowire:
//
//	message Request {
//	  required string return_address           = 1;
//	  required string request_id               = 2;
//	  optional float  process_delay_in_seconds = 3;
//	  required string payload                  = 4; // int32 accepted on decode
//	}
//
//	message Response {
//	  required string request_id = 1;
//	  required string payload    = 2; // int32 accepted on decode
//	}
package envelope

import (
	"math"
	"time"

	"emperror.dev/errors"
)

const (
	// PingPayload is the reserved heartbeat request payload.
	PingPayload = "PING"
	// PongPayload is the reserved heartbeat response payload.
	PongPayload = "PONG"
	// InvalidInputPayload is answered when the request payload is not a number.
	InvalidInputPayload = "Invalid request"
)

// MaxDelay is the longest processing delay a request may ask for.
const MaxDelay = time.Duration(math.MaxInt64)

var maxDelaySeconds = MaxDelay.Seconds()

var (
	ErrEncoding = errors.NewPlain("envelope encoding")
	ErrDecoding = errors.NewPlain("envelope decoding")
)

type Request struct {
	ReturnAddress string
	RequestID     string
	Payload       string
	// ProcessDelaySeconds is nil when no artificial delay was asked.
	ProcessDelaySeconds *float32
}

// Delay returns the requested processing delay, zero when absent or not positive, capped at MaxDelay.
func (r Request) Delay() time.Duration {
	if r.ProcessDelaySeconds == nil || *r.ProcessDelaySeconds <= 0 {
		return 0
	}

	if seconds := float64(*r.ProcessDelaySeconds); seconds < maxDelaySeconds {
		return time.Duration(seconds * float64(time.Second))
	}

	return MaxDelay
}

// IsPing reports whether the request is a heartbeat probe.
func (r Request) IsPing() bool {
	return r.Payload == PingPayload
}

type Response struct {
	RequestID string
	Payload   string
}

// IsPong reports whether the response answers a heartbeat probe.
func (r Response) IsPong() bool {
	return r.Payload == PongPayload
}

// DelaySeconds converts a duration to the optional wire delay. Zero means no delay.
func DelaySeconds(d time.Duration) *float32 {
	if d <= 0 {
		return nil
	}
	seconds := float32(d.Seconds())

	return &seconds
}

func validDelay(delay *float32) bool {
	if delay == nil {
		return true
	}
	d := float64(*delay)

	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0 && d < maxDelaySeconds
}
