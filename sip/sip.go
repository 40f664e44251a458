// Package sip defines the parsed SIP message model shared by the edgecore
// packages. Messages arrive already parsed from the transport surface;
// this package only models them and never touches wire bytes.
package sip

import "github.com/telscale/edgecore/internal/errorutil"

// Proto is the protocol version string carried on every message.
const Proto = "SIP/2.0"

// RequestMethod represents a SIP request method.
type RequestMethod string

// Request method constants.
const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// Equal reports whether two methods are equal, ignoring case.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return equalFold(string(m), string(other))
}

// Error represents a SIP message error.
type Error = errorutil.Error

// Message errors.
const (
	ErrInvalidMessage Error = "invalid message"

	errMissHdrs Error = "missing mandatory headers"
)

// NewInvalidArgumentError creates a new error with
// [errorutil.ErrInvalidArgument] or wraps provided error with it.
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewWrapperError creates or wraps an error with a sentinel error.
// See [errorutil.NewWrapperError].
func NewWrapperError(sentinel error, args ...any) error {
	return errorutil.NewWrapperError(sentinel, args...) //errtrace:skip
}

// Message is implemented by [Request] and [Response].
// It is the unit the dispatcher clones and queues.
type Message interface {
	// CloneMessage returns an independent deep copy of the message.
	CloneMessage() Message
	// Trail returns the correlation trail id attached to the message.
	Trail() string
	// SetTrail attaches the correlation trail id to the message.
	SetTrail(trail string)
	// CallID returns the Call-ID header value, empty if absent.
	CallID() string
	// CSeq returns the parsed CSeq header, zero values if absent or malformed.
	CSeq() (int32, RequestMethod)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
