package regstore

import (
	"iter"
	"log/slog"
	"slices"
)

// Param is a single named parameter carried on a binding.
// Order is significant and preserved through serialization.
type Param struct {
	Name  string
	Value string
}

// Binding is an association between an address of record and a contact
// endpoint advertised by a REGISTER.
type Binding struct {
	// ContactURI is the contact endpoint URI.
	ContactURI string
	// CallID is the Call-ID of the REGISTER that created or refreshed
	// the binding.
	CallID string
	// CSeq is the CSeq of the REGISTER that created or refreshed the binding.
	CSeq int32
	// Expires is the absolute expiry time in seconds since the epoch.
	Expires int32
	// Priority is the q-value derived priority of the binding.
	Priority int32
	// Params is the ordered contact parameter list.
	Params []Param
	// PathHeaders is the ordered list of Path header values.
	PathHeaders []string
}

// Clone returns an independent copy of the binding.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	nb := *b
	nb.Params = slices.Clone(b.Params)
	nb.PathHeaders = slices.Clone(b.PathHeaders)
	return &nb
}

// AoR holds the binding set registered for one address of record together
// with the CAS token observed when it was read. A freshly created record
// has CAS 0; an AoR with no bindings is valid and is written back with a
// near-zero TTL so the store can prune it.
type AoR struct {
	// CAS is the opaque version token paired with the record.
	CAS uint64

	bindings map[string]*Binding
}

// NewAoR creates an empty address of record with CAS 0.
func NewAoR() *AoR {
	return &AoR{bindings: make(map[string]*Binding)}
}

// Binding returns the binding with the given id, creating an empty one if
// none exists. The created binding is completely empty, even the contact
// URI field.
func (a *AoR) Binding(id string) *Binding {
	if a.bindings == nil {
		a.bindings = make(map[string]*Binding)
	}
	b, ok := a.bindings[id]
	if !ok {
		b = &Binding{}
		a.bindings[id] = b
	}
	return b
}

// FindBinding returns the binding with the given id, nil if none exists.
func (a *AoR) FindBinding(id string) *Binding {
	if a == nil {
		return nil
	}
	return a.bindings[id]
}

// RemoveBinding removes the binding with the given id, if any.
func (a *AoR) RemoveBinding(id string) {
	delete(a.bindings, id)
}

// Len returns the number of bindings.
func (a *AoR) Len() int {
	if a == nil {
		return 0
	}
	return len(a.bindings)
}

// All returns the bindings ordered by binding id.
func (a *AoR) All() iter.Seq2[string, *Binding] {
	return func(yield func(string, *Binding) bool) {
		if a == nil {
			return
		}
		for _, id := range a.ids() {
			if !yield(id, a.bindings[id]) {
				return
			}
		}
	}
}

// Clone returns an independent deep copy of the record.
func (a *AoR) Clone() *AoR {
	if a == nil {
		return nil
	}
	na := NewAoR()
	na.CAS = a.CAS
	for id, b := range a.bindings {
		na.bindings[id] = b.Clone()
	}
	return na
}

func (a *AoR) ids() []string {
	ids := make([]string, 0, len(a.bindings))
	for id := range a.bindings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LogValue implements [slog.LogValuer].
func (a *AoR) LogValue() slog.Value {
	if a == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("cas", a.CAS),
		slog.Int("bindings", len(a.bindings)),
	)
}
