package appserver

import (
	"log/slog"

	"github.com/telscale/edgecore/sip"
)

// ForkState represents the state of one downstream fork.
type ForkState string

const (
	// ForkStateCalling means the forked request was created or sent and no
	// response has arrived yet.
	ForkStateCalling ForkState = "calling"
	// ForkStateProceeding means a provisional response has arrived.
	ForkStateProceeding ForkState = "proceeding"
	// ForkStateCompleted means a final response has arrived.
	ForkStateCompleted ForkState = "completed"
	// ForkStateCancelled means the fork was cancelled before completing.
	ForkStateCancelled ForkState = "cancelled"
)

func (s ForkState) terminal() bool {
	return s == ForkStateCompleted || s == ForkStateCancelled
}

// Fork is one downstream leg of a forked request. Fork ids are assigned
// densely in creation order and never reused within one transaction.
type Fork struct {
	id     int
	target string
	req    *sip.Request
	state  ForkState
	// sent records whether the fork's request reached the downstream
	// plumbing; only sent forks receive a CANCEL.
	sent bool

	// lastProv is the highest provisional status forwarded upstream on
	// this fork; later provisionals are suppressed unless strictly higher.
	lastProv sip.ResponseStatus
	// final is the final response received on this fork, if any.
	final *sip.Response
}

// ID returns the fork identifier.
func (f *Fork) ID() int { return f.id }

// Target returns the fork's target URI.
func (f *Fork) Target() string { return f.target }

// State returns the fork's current state.
func (f *Fork) State() ForkState { return f.state }

// FinalResponse returns the final response received on the fork, nil if
// none arrived.
func (f *Fork) FinalResponse() *sip.Response { return f.final }

// LogValue implements [slog.LogValuer].
func (f *Fork) LogValue() slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("id", f.id),
		slog.String("target", f.target),
		slog.String("state", string(f.state)),
	)
}

// classRank orders response classes for best-response consolidation:
// 6xx beats 2xx beats 3xx beats 4xx beats 5xx.
func classRank(sts sip.ResponseStatus) int {
	switch sts.Class() {
	case 6:
		return 0
	case 2:
		return 1
	case 3:
		return 2
	case 4:
		return 3
	case 5:
		return 4
	default:
		return 5
	}
}

// betterResponse reports whether a is strictly better than b under the
// consolidation ordering: class rank first, then the numerically lowest
// code within a class. Equal codes keep the first arrival.
func betterResponse(a, b *sip.Response) bool {
	ra, rb := classRank(a.Status), classRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	return a.Status < b.Status
}
