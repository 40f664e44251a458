package regstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"braces.dev/errtrace"

	"github.com/telscale/edgecore/internal/errorutil"
)

// ErrCorruptRecord is returned when a stored record cannot be deserialized.
const ErrCorruptRecord errorutil.Error = "corrupt registration record"

// The record layout is binding-exact: an int32 binding count, then per
// binding the NUL-terminated id, contact URI and Call-ID, int32 CSeq,
// expires and priority, an int32 parameter count with NUL-terminated
// name/value pairs, and an int32 path count with NUL-terminated path
// values. Integers are written in the host byte order of the writing
// process; writers and readers share the same deployment.

func serializeAoR(aor *AoR) []byte {
	var buf bytes.Buffer

	writeInt32(&buf, int32(aor.Len()))
	for id, b := range aor.All() {
		writeCString(&buf, id)
		writeCString(&buf, b.ContactURI)
		writeCString(&buf, b.CallID)
		writeInt32(&buf, b.CSeq)
		writeInt32(&buf, b.Expires)
		writeInt32(&buf, b.Priority)
		writeInt32(&buf, int32(len(b.Params)))
		for _, p := range b.Params {
			writeCString(&buf, p.Name)
			writeCString(&buf, p.Value)
		}
		writeInt32(&buf, int32(len(b.PathHeaders)))
		for _, path := range b.PathHeaders {
			writeCString(&buf, path)
		}
	}

	return buf.Bytes()
}

func deserializeAoR(data []byte) (*AoR, error) {
	buf := bytes.NewBuffer(data)
	aor := NewAoR()

	numBindings, err := readCount(buf)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for range numBindings {
		id, err := readCString(buf)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		b := aor.Binding(id)

		if b.ContactURI, err = readCString(buf); err != nil {
			return nil, errtrace.Wrap(err)
		}
		if b.CallID, err = readCString(buf); err != nil {
			return nil, errtrace.Wrap(err)
		}
		if b.CSeq, err = readInt32(buf); err != nil {
			return nil, errtrace.Wrap(err)
		}
		if b.Expires, err = readInt32(buf); err != nil {
			return nil, errtrace.Wrap(err)
		}
		if b.Priority, err = readInt32(buf); err != nil {
			return nil, errtrace.Wrap(err)
		}

		numParams, err := readCount(buf)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for range numParams {
			var p Param
			if p.Name, err = readCString(buf); err != nil {
				return nil, errtrace.Wrap(err)
			}
			if p.Value, err = readCString(buf); err != nil {
				return nil, errtrace.Wrap(err)
			}
			b.Params = append(b.Params, p)
		}

		numPaths, err := readCount(buf)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for range numPaths {
			path, err := readCString(buf)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			b.PathHeaders = append(b.PathHeaders, path)
		}
	}

	return aor, nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func readInt32(buf *bytes.Buffer) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, errorutil.NewWrapperError(ErrCorruptRecord, "truncated integer") //errtrace:skip
	}
	return int32(binary.NativeEndian.Uint32(b[:])), nil
}

func readCount(buf *bytes.Buffer) (int32, error) {
	v, err := readInt32(buf)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	if v < 0 {
		return 0, errorutil.NewWrapperError(ErrCorruptRecord, "negative count") //errtrace:skip
	}
	return v, nil
}

func readCString(buf *bytes.Buffer) (string, error) {
	s, err := buf.ReadString(0)
	if err != nil {
		return "", errorutil.NewWrapperError(ErrCorruptRecord, "unterminated string") //errtrace:skip
	}
	return s[:len(s)-1], nil
}
