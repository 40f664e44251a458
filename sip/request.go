package sip

import (
	"fmt"
	"log/slog"
	"slices"

	"braces.dev/errtrace"
)

// Request represents a parsed SIP request message.
type Request struct {
	Method  RequestMethod
	URI     string
	Headers Headers
	Body    []byte

	trail string
}

// NewRequest creates a request with the given start line values.
func NewRequest(method RequestMethod, uri string, hdrs ...Header) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Headers: NewHeaders(hdrs...),
	}
}

// Clone returns an independent deep copy of the request.
func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	return &Request{
		Method:  req.Method,
		URI:     req.URI,
		Headers: req.Headers.Clone(),
		Body:    slices.Clone(req.Body),
		trail:   req.trail,
	}
}

// CloneMessage implements [Message].
func (req *Request) CloneMessage() Message { return req.Clone() }

// Trail returns the correlation trail id attached to the request.
func (req *Request) Trail() string {
	if req == nil {
		return ""
	}
	return req.trail
}

// SetTrail attaches the correlation trail id to the request.
func (req *Request) SetTrail(trail string) { req.trail = trail }

// CallID returns the Call-ID header value, empty if absent.
func (req *Request) CallID() string {
	if req == nil {
		return ""
	}
	v, _ := req.Headers.First("Call-ID")
	return v
}

// CSeq returns the parsed CSeq header, zero values if absent or malformed.
func (req *Request) CSeq() (int32, RequestMethod) {
	if req == nil {
		return 0, ""
	}
	v, ok := req.Headers.First("CSeq")
	if !ok {
		return 0, ""
	}
	return parseCSeq(v)
}

// FromTag returns the tag parameter of the From header.
func (req *Request) FromTag() string {
	v, _ := req.Headers.First("From")
	return tagParam(v)
}

// ToTag returns the tag parameter of the To header.
func (req *Request) ToTag() string {
	v, _ := req.Headers.First("To")
	return tagParam(v)
}

// IsAck reports whether the request is an ACK.
func (req *Request) IsAck() bool {
	return req != nil && req.Method.Equal(RequestMethodAck)
}

// IsInvite reports whether the request is an INVITE.
func (req *Request) IsInvite() bool {
	return req != nil && req.Method.Equal(RequestMethodInvite)
}

// Validate checks that the request carries the headers the core relies on.
func (req *Request) Validate() error {
	if req == nil || req.Method == "" || req.URI == "" {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "empty start line"))
	}
	for _, name := range []string{"Call-ID", "CSeq", "From", "To"} {
		if _, ok := req.Headers.First(name); !ok {
			return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "%s: %s", errMissHdrs, name))
		}
	}
	return nil
}

// String returns a short string representation of the request.
func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s %s", req.Method, req.URI, Proto)
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(req.Method)),
		slog.String("uri", req.URI),
		slog.String("call_id", req.CallID()),
	)
}
