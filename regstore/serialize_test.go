package regstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testAoR() *AoR {
	aor := NewAoR()

	b1 := aor.Binding("<urn:uuid:1>:1")
	b1.ContactURI = "sip:alice@10.0.0.1:5060;transport=tcp"
	b1.CallID = "a84b4c76e66710"
	b1.CSeq = 17038
	b1.Expires = 1717243500
	b1.Priority = 0
	b1.Params = []Param{
		{Name: "+sip.instance", Value: `"<urn:uuid:1>"`},
		{Name: "reg-id", Value: "1"},
	}
	b1.PathHeaders = []string{
		"<sip:edge1.example.net;lr>",
		"<sip:core.example.net;lr>",
	}

	b2 := aor.Binding("<urn:uuid:2>:1")
	b2.ContactURI = "sip:alice@192.168.1.7"
	b2.CallID = "z9hG4bK776asdhds"
	b2.CSeq = 3
	b2.Expires = 1717243800
	b2.Priority = 10

	return aor
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	orig := testAoR()
	got, err := deserializeAoR(serializeAoR(orig))
	if err != nil {
		t.Fatalf("deserializeAoR() error = %v, want nil", err)
	}

	if diff := cmp.Diff(orig, got, cmp.AllowUnexported(AoR{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeRoundTrip_Empty(t *testing.T) {
	t.Parallel()

	got, err := deserializeAoR(serializeAoR(NewAoR()))
	if err != nil {
		t.Fatalf("deserializeAoR() error = %v, want nil", err)
	}
	if got.Len() != 0 {
		t.Fatalf("got.Len() = %d, want 0", got.Len())
	}
}

func TestSerializeLayout(t *testing.T) {
	t.Parallel()

	aor := NewAoR()
	b := aor.Binding("id")
	b.ContactURI = "sip:a@x"
	b.CallID = "cid"
	b.CSeq = 7
	b.Expires = 100
	b.Priority = 2
	b.Params = []Param{{Name: "n", Value: "v"}}
	b.PathHeaders = []string{"p1"}

	var want bytes.Buffer
	i32 := func(v int32) {
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], uint32(v))
		want.Write(buf[:])
	}
	cstr := func(s string) {
		want.WriteString(s)
		want.WriteByte(0)
	}

	i32(1)
	cstr("id")
	cstr("sip:a@x")
	cstr("cid")
	i32(7)
	i32(100)
	i32(2)
	i32(1)
	cstr("n")
	cstr("v")
	i32(1)
	cstr("p1")

	if got := serializeAoR(aor); !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("serializeAoR() = %x, want %x", got, want.Bytes())
	}
}

func TestDeserialize_RejectsTruncated(t *testing.T) {
	t.Parallel()

	data := serializeAoR(testAoR())
	for n := 0; n < len(data); n++ {
		if _, err := deserializeAoR(data[:n]); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("deserializeAoR(data[:%d]) error = %v, want %v", n, err, ErrCorruptRecord)
		}
	}
}

func TestDeserialize_RejectsNegativeCount(t *testing.T) {
	t.Parallel()

	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(0xFFFFFFFF))
	if _, err := deserializeAoR(buf[:]); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("deserializeAoR(negative count) error = %v, want %v", err, ErrCorruptRecord)
	}
}
