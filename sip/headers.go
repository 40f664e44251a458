package sip

import (
	"slices"
	"strconv"
	"strings"
)

// Header is a single SIP header as produced by the parser layer.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered collection of SIP headers.
// Lookup by name is case-insensitive; insertion order is preserved
// so that Via and Route sets keep their protocol meaning.
type Headers struct {
	hdrs []Header
}

// NewHeaders creates a header collection from the given headers.
func NewHeaders(hdrs ...Header) Headers {
	return Headers{hdrs: slices.Clone(hdrs)}
}

// Append adds a header to the end of the collection.
func (h *Headers) Append(name, value string) {
	h.hdrs = append(h.hdrs, Header{Name: name, Value: value})
}

// Prepend adds a header to the front of the collection.
func (h *Headers) Prepend(name, value string) {
	h.hdrs = append([]Header{{Name: name, Value: value}}, h.hdrs...)
}

// Get returns all values of the named header in order.
func (h *Headers) Get(name string) []string {
	var vals []string
	for _, hdr := range h.hdrs {
		if equalFold(hdr.Name, name) {
			vals = append(vals, hdr.Value)
		}
	}
	return vals
}

// First returns the first value of the named header.
func (h *Headers) First(name string) (string, bool) {
	for _, hdr := range h.hdrs {
		if equalFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Set replaces all values of the named header with a single value,
// keeping the position of the first occurrence.
func (h *Headers) Set(name, value string) {
	found := false
	out := h.hdrs[:0]
	for _, hdr := range h.hdrs {
		if equalFold(hdr.Name, name) {
			if !found {
				out = append(out, Header{Name: hdr.Name, Value: value})
				found = true
			}
			continue
		}
		out = append(out, hdr)
	}
	h.hdrs = out
	if !found {
		h.Append(name, value)
	}
}

// Del removes all values of the named header.
func (h *Headers) Del(name string) {
	h.hdrs = slices.DeleteFunc(h.hdrs, func(hdr Header) bool {
		return equalFold(hdr.Name, name)
	})
}

// Len returns the number of headers in the collection.
func (h *Headers) Len() int { return len(h.hdrs) }

// All returns the headers in order. The returned slice must not be mutated.
func (h *Headers) All() []Header { return h.hdrs }

// Clone returns an independent copy of the collection.
func (h *Headers) Clone() Headers {
	return Headers{hdrs: slices.Clone(h.hdrs)}
}

// tagParam extracts the "tag" parameter from a From/To header value.
func tagParam(hdr string) string {
	for _, part := range strings.Split(hdr, ";")[1:] {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "tag="); ok {
			return v
		}
	}
	return ""
}

// parseCSeq splits a CSeq header value into sequence number and method.
func parseCSeq(hdr string) (int32, RequestMethod) {
	num, method, ok := strings.Cut(strings.TrimSpace(hdr), " ")
	if !ok {
		return 0, ""
	}
	seq, err := strconv.ParseInt(num, 10, 32)
	if err != nil {
		return 0, ""
	}
	return int32(seq), RequestMethod(strings.TrimSpace(method))
}
