package sip_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/telscale/edgecore/sip"
)

func newReq(t *testing.T) *sip.Request {
	t.Helper()
	return sip.NewRequest(sip.RequestMethodInvite, "sip:bob@example.net",
		sip.Header{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.9;branch=z9hG4bK-1"},
		sip.Header{Name: "From", Value: "<sip:alice@example.net>;tag=abc"},
		sip.Header{Name: "To", Value: "<sip:bob@example.net>;tag=def"},
		sip.Header{Name: "Call-ID", Value: "call-1"},
		sip.Header{Name: "CSeq", Value: "42 INVITE"},
	)
}

func TestHeaders_Lookup(t *testing.T) {
	t.Parallel()

	var h sip.Headers
	h.Append("Via", "hop-1")
	h.Append("Via", "hop-2")
	h.Append("Call-ID", "c1")

	if got := h.Get("via"); len(got) != 2 || got[0] != "hop-1" || got[1] != "hop-2" {
		t.Fatalf("h.Get(%q) = %v, want ordered both hops", "via", got)
	}
	if v, ok := h.First("CALL-ID"); !ok || v != "c1" {
		t.Fatalf("h.First(%q) = (%q, %t), want (%q, true)", "CALL-ID", v, ok, "c1")
	}

	h.Set("Via", "only")
	if got := h.Get("Via"); len(got) != 1 || got[0] != "only" {
		t.Fatalf("h.Get() after Set = %v, want [only]", got)
	}

	h.Del("via")
	if got := h.Get("Via"); len(got) != 0 {
		t.Fatalf("h.Get() after Del = %v, want empty", got)
	}
}

func TestRequest_Accessors(t *testing.T) {
	t.Parallel()

	req := newReq(t)
	if got := req.CallID(); got != "call-1" {
		t.Fatalf("req.CallID() = %q, want %q", got, "call-1")
	}
	seq, method := req.CSeq()
	if seq != 42 || !method.Equal(sip.RequestMethodInvite) {
		t.Fatalf("req.CSeq() = (%d, %q), want (42, INVITE)", seq, method)
	}
	if got := req.FromTag(); got != "abc" {
		t.Fatalf("req.FromTag() = %q, want %q", got, "abc")
	}
	if got := req.ToTag(); got != "def" {
		t.Fatalf("req.ToTag() = %q, want %q", got, "def")
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("req.Validate() error = %v, want nil", err)
	}
}

func TestRequest_ValidateMissingHeaders(t *testing.T) {
	t.Parallel()

	req := newReq(t)
	req.Headers.Del("CSeq")
	if err := req.Validate(); !errors.Is(err, sip.ErrInvalidMessage) {
		t.Fatalf("req.Validate() error = %v, want %v", err, sip.ErrInvalidMessage)
	}
}

func TestRequest_CloneIndependence(t *testing.T) {
	t.Parallel()

	req := newReq(t)
	req.Body = []byte("v=0")
	req.SetTrail("trail-1")

	clone := req.Clone()
	if clone == req {
		t.Fatal("req.Clone() returned the same instance")
	}
	if clone.Method != req.Method || clone.URI != req.URI {
		t.Fatalf("clone start line = %s %s, want %s %s", clone.Method, clone.URI, req.Method, req.URI)
	}
	if diff := cmp.Diff(req.Headers.All(), clone.Headers.All()); diff != "" {
		t.Fatalf("clone headers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req.Body, clone.Body); diff != "" {
		t.Fatalf("clone body mismatch (-want +got):\n%s", diff)
	}
	if clone.Trail() != "trail-1" {
		t.Fatalf("clone.Trail() = %q, want %q", clone.Trail(), "trail-1")
	}

	clone.Headers.Set("Call-ID", "mutated")
	clone.Body[0] = 'x'
	if req.CallID() != "call-1" {
		t.Fatal("mutating the clone's headers affected the original")
	}
	if req.Body[0] != 'v' {
		t.Fatal("mutating the clone's body affected the original")
	}
}

func TestNewResponse(t *testing.T) {
	t.Parallel()

	req := newReq(t)
	req.SetTrail("trail-1")

	res := sip.NewResponse(req, sip.StatusBusyHere, "")
	if res.Reason != "Busy Here" {
		t.Fatalf("res.Reason = %q, want default phrase", res.Reason)
	}
	if res.Trail() != "trail-1" {
		t.Fatalf("res.Trail() = %q, want inherited trail", res.Trail())
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		want := req.Headers.Get(name)
		got := res.Headers.Get(name)
		if len(got) != len(want) {
			t.Fatalf("response %s headers = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("response %s headers = %v, want %v", name, got, want)
			}
		}
	}
}

func TestResponseStatus_Class(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sts         sip.ResponseStatus
		provisional bool
		final       bool
		success     bool
	}{
		{100, true, false, false},
		{180, true, false, false},
		{200, false, true, true},
		{486, false, true, false},
		{600, false, true, false},
	}
	for _, tc := range tests {
		if got := tc.sts.IsProvisional(); got != tc.provisional {
			t.Errorf("(%d).IsProvisional() = %t, want %t", tc.sts, got, tc.provisional)
		}
		if got := tc.sts.IsFinal(); got != tc.final {
			t.Errorf("(%d).IsFinal() = %t, want %t", tc.sts, got, tc.final)
		}
		if got := tc.sts.IsSuccess(); got != tc.success {
			t.Errorf("(%d).IsSuccess() = %t, want %t", tc.sts, got, tc.success)
		}
	}
}
