package appserver_test

import (
	"context"
	"testing"

	"github.com/telscale/edgecore/appserver"
	"github.com/telscale/edgecore/sip"
)

type stubUpstream struct {
	responses []*sip.Response
}

func (u *stubUpstream) SendResponse(_ context.Context, res *sip.Response) error {
	u.responses = append(u.responses, res)
	return nil
}

func (u *stubUpstream) finals() []*sip.Response {
	var out []*sip.Response
	for _, res := range u.responses {
		if res.Status.IsFinal() {
			out = append(out, res)
		}
	}
	return out
}

type sentFork struct {
	forkID int
	req    *sip.Request
	addrs  []appserver.Target
}

type stubDownstream struct {
	sent      []sentFork
	cancelled []int
	sendErr   map[int]error
}

func (d *stubDownstream) SendRequest(_ context.Context, forkID int, req *sip.Request, addrs []appserver.Target) error {
	if err := d.sendErr[forkID]; err != nil {
		return err
	}
	d.sent = append(d.sent, sentFork{forkID: forkID, req: req, addrs: addrs})
	return nil
}

func (d *stubDownstream) CancelRequest(_ context.Context, forkID int) error {
	d.cancelled = append(d.cancelled, forkID)
	return nil
}

// stubHandler routes the four entry points to optional closures,
// defaulting to forward-through behaviour.
type stubHandler struct {
	appserver.BaseHandler

	onInitial  func(req *sip.Request)
	onInDialog func(req *sip.Request)
	onResponse func(res *sip.Response, forkID int) bool
	onCancel   func(status sip.ResponseStatus)

	initialReqs  []*sip.Request
	inDialogReqs []*sip.Request
	responses    []*sip.Response
	cancels      []sip.ResponseStatus
}

func (h *stubHandler) OnInitialRequest(req *sip.Request) {
	h.initialReqs = append(h.initialReqs, req)
	if h.onInitial != nil {
		h.onInitial(req)
	}
}

func (h *stubHandler) OnInDialogRequest(req *sip.Request) {
	h.inDialogReqs = append(h.inDialogReqs, req)
	if h.onInDialog != nil {
		h.onInDialog(req)
	}
}

func (h *stubHandler) OnResponse(res *sip.Response, forkID int) bool {
	h.responses = append(h.responses, res)
	if h.onResponse != nil {
		return h.onResponse(res, forkID)
	}
	return true
}

func (h *stubHandler) OnCancel(status sip.ResponseStatus) {
	h.cancels = append(h.cancels, status)
	if h.onCancel != nil {
		h.onCancel(status)
	}
}

type stubAS struct {
	name    string
	handler appserver.TransactionHandler
	decline bool

	svc      appserver.ServiceContext
	dialogID string
}

func (as *stubAS) ServiceName() string { return as.name }

func (as *stubAS) GetContext(svc appserver.ServiceContext, _ *sip.Request, dialogID string) appserver.TransactionHandler {
	as.svc = svc
	as.dialogID = dialogID
	if as.decline {
		return nil
	}
	return as.handler
}

func newInvite(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.RequestMethodInvite, "sip:bob@example.net",
		sip.Header{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.9:5060;branch=z9hG4bK-1"},
		sip.Header{Name: "From", Value: "<sip:alice@example.net>;tag=from-1"},
		sip.Header{Name: "To", Value: "<sip:bob@example.net>"},
		sip.Header{Name: "Call-ID", Value: "call-1@10.0.0.9"},
		sip.Header{Name: "CSeq", Value: "1 INVITE"},
	)
	req.SetTrail("trail-1")
	return req
}

func newTransaction(
	t *testing.T,
	as *stubAS,
	req *sip.Request,
	up *stubUpstream,
	down *stubDownstream,
	opts *appserver.TransactionOptions,
) *appserver.ServiceTransaction {
	t.Helper()
	tx, err := appserver.NewServiceTransaction("txn-1", as, req, up, down, opts)
	if err != nil {
		t.Fatalf("NewServiceTransaction() error = %v, want nil", err)
	}
	if tx == nil {
		t.Fatal("NewServiceTransaction() = nil, want transaction")
	}
	return tx
}

func res486(req *sip.Request) *sip.Response { return sip.NewResponse(req, sip.StatusBusyHere, "") }
