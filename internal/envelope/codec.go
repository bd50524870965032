package envelope

import (
	"math"
	"strconv"

	"emperror.dev/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldRequestReturnAddress protowire.Number = 1
	fieldRequestID            protowire.Number = 2
	fieldRequestDelay         protowire.Number = 3
	fieldRequestPayload       protowire.Number = 4

	fieldResponseID      protowire.Number = 1
	fieldResponsePayload protowire.Number = 2
)

// EncodeRequest serializes a Request. Return address and request id are mandatory.
func EncodeRequest(req Request) ([]byte, error) {
	if req.ReturnAddress == "" {
		return nil, errors.WithMessage(ErrEncoding, "empty return address")
	}
	if req.RequestID == "" {
		return nil, errors.WithMessage(ErrEncoding, "empty request id")
	}
	if !validDelay(req.ProcessDelaySeconds) {
		return nil, errors.WithDetails(errors.WithMessage(ErrEncoding, "invalid delay"), "delay", *req.ProcessDelaySeconds)
	}

	b := make([]byte, 0, len(req.ReturnAddress)+len(req.RequestID)+len(req.Payload)+16)
	b = appendString(b, fieldRequestReturnAddress, req.ReturnAddress)
	b = appendString(b, fieldRequestID, req.RequestID)
	if req.ProcessDelaySeconds != nil {
		b = protowire.AppendTag(b, fieldRequestDelay, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*req.ProcessDelaySeconds))
	}
	b = appendString(b, fieldRequestPayload, req.Payload)

	return b, nil
}

// DecodeRequest parses a Request, failing with ErrDecoding on malformed or incomplete input.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	var hasAddress, hasID, hasPayload bool

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRequestReturnAddress:
			hasAddress = true

			return consumeString(typ, b, &req.ReturnAddress)
		case fieldRequestID:
			hasID = true

			return consumeString(typ, b, &req.RequestID)
		case fieldRequestDelay:
			if typ != protowire.Fixed32Type {
				return 0, errors.Errorf("delay wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			delay := math.Float32frombits(v)
			req.ProcessDelaySeconds = &delay

			return n, nil
		case fieldRequestPayload:
			hasPayload = true

			return consumePayload(typ, b, &req.Payload)
		}

		return skipField(num, typ, b)
	})
	if err != nil {
		return Request{}, errors.WithMessage(ErrDecoding, "request: "+err.Error())
	}
	if !hasAddress || !hasID || !hasPayload {
		return Request{}, errors.WithDetails(errors.WithMessage(ErrDecoding, "request: missing required field"),
			"returnAddress", hasAddress, "requestID", hasID, "payload", hasPayload)
	}
	if !validDelay(req.ProcessDelaySeconds) {
		return Request{}, errors.WithMessage(ErrDecoding, "request: invalid delay")
	}

	return req, nil
}

// EncodeResponse serializes a Response. The request id is mandatory.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp.RequestID == "" {
		return nil, errors.WithMessage(ErrEncoding, "empty request id")
	}
	b := make([]byte, 0, len(resp.RequestID)+len(resp.Payload)+8)
	b = appendString(b, fieldResponseID, resp.RequestID)
	b = appendString(b, fieldResponsePayload, resp.Payload)

	return b, nil
}

// DecodeResponse parses a Response, failing with ErrDecoding on malformed or incomplete input.
func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	var hasID, hasPayload bool

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResponseID:
			hasID = true

			return consumeString(typ, b, &resp.RequestID)
		case fieldResponsePayload:
			hasPayload = true

			return consumePayload(typ, b, &resp.Payload)
		}

		return skipField(num, typ, b)
	})
	if err != nil {
		return Response{}, errors.WithMessage(ErrDecoding, "response: "+err.Error())
	}
	if !hasID || !hasPayload {
		return Response{}, errors.WithDetails(errors.WithMessage(ErrDecoding, "response: missing required field"),
			"requestID", hasID, "payload", hasPayload)
	}

	return resp, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, field fieldFn) error {
	if len(b) == 0 {
		return errors.NewPlain("empty envelope")
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}

	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errors.Errorf("string wire type %d", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v

	return n, nil
}

// consumePayload reads a string payload, or the int32 variant of older peers.
func consumePayload(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.VarintType {
		return consumeString(typ, b, dst)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = strconv.FormatInt(int64(int32(v)), 10)

	return n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	return n, nil
}
