package sip

import (
	"fmt"
	"log/slog"
	"slices"
)

// ResponseStatus is a SIP response status code.
type ResponseStatus int

// Response status codes emitted or inspected by the core.
const (
	StatusTrying              ResponseStatus = 100
	StatusRinging             ResponseStatus = 180
	StatusOK                  ResponseStatus = 200
	StatusBusyHere            ResponseStatus = 486
	StatusRequestTerminated   ResponseStatus = 487
	StatusRequestTimeout      ResponseStatus = 408
	StatusTemporarilyUnavail  ResponseStatus = 480
	StatusInternalServerError ResponseStatus = 500
	StatusServiceUnavailable  ResponseStatus = 503
)

var reasonPhrases = map[ResponseStatus]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	302: "Moved Temporarily",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	486: "Busy Here",
	487: "Request Terminated",
	500: "Internal Server Error",
	503: "Service Unavailable",
	600: "Busy Everywhere",
	603: "Decline",
}

// ReasonPhrase returns the standard reason phrase for the status code,
// empty for unknown codes.
func ReasonPhrase(sts ResponseStatus) string { return reasonPhrases[sts] }

// IsProvisional reports whether the status is a 1xx code.
func (sts ResponseStatus) IsProvisional() bool { return sts >= 100 && sts < 200 }

// IsFinal reports whether the status is a final (non-1xx) code.
func (sts ResponseStatus) IsFinal() bool { return sts >= 200 }

// IsSuccess reports whether the status is a 2xx code.
func (sts ResponseStatus) IsSuccess() bool { return sts >= 200 && sts < 300 }

// Class returns the status class digit (1-6).
func (sts ResponseStatus) Class() int { return int(sts) / 100 }

// Response represents a parsed SIP response message.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Headers Headers
	Body    []byte

	trail string
}

// NewResponse builds a response for the given request, copying the headers
// a downstream element must preserve (Via, From, To, Call-ID, CSeq).
// If reason is empty, the standard reason phrase for the code is used.
func NewResponse(req *Request, sts ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(sts)
	}
	res := &Response{
		Status: sts,
		Reason: reason,
	}
	if req != nil {
		for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
			for _, v := range req.Headers.Get(name) {
				res.Headers.Append(name, v)
			}
		}
		res.trail = req.trail
	}
	return res
}

// Clone returns an independent deep copy of the response.
func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	return &Response{
		Status:  res.Status,
		Reason:  res.Reason,
		Headers: res.Headers.Clone(),
		Body:    slices.Clone(res.Body),
		trail:   res.trail,
	}
}

// CloneMessage implements [Message].
func (res *Response) CloneMessage() Message { return res.Clone() }

// Trail returns the correlation trail id attached to the response.
func (res *Response) Trail() string {
	if res == nil {
		return ""
	}
	return res.trail
}

// SetTrail attaches the correlation trail id to the response.
func (res *Response) SetTrail(trail string) { res.trail = trail }

// CallID returns the Call-ID header value, empty if absent.
func (res *Response) CallID() string {
	if res == nil {
		return ""
	}
	v, _ := res.Headers.First("Call-ID")
	return v
}

// CSeq returns the parsed CSeq header, zero values if absent or malformed.
func (res *Response) CSeq() (int32, RequestMethod) {
	if res == nil {
		return 0, ""
	}
	v, ok := res.Headers.First("CSeq")
	if !ok {
		return 0, ""
	}
	return parseCSeq(v)
}

// String returns a short string representation of the response.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %d %s", Proto, res.Status, res.Reason)
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", int(res.Status)),
		slog.String("reason", res.Reason),
		slog.String("call_id", res.CallID()),
	)
}
