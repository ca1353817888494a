package executor

import "github.com/pkg/errors"

// ErrGroupSizeUnderflow is a non-fatal speculative execution failure
// (spec.md §7): a group write would shrink the tracked size below zero.
var ErrGroupSizeUnderflow = errors.New("resource group size would underflow")

// ResourceGroup is a map tag -> value stored under one key, with an
// incrementally maintained byte size so the executor never has to
// re-serialize the whole group to learn its size (spec.md §4.5).
type ResourceGroup struct {
	values map[Tag][]byte
	size   int
}

// NewResourceGroup constructs a group from its storage-baseline contents,
// computing the initial size from scratch once.
func NewResourceGroup(initial map[Tag][]byte) *ResourceGroup {
	g := &ResourceGroup{values: make(map[Tag][]byte, len(initial))}
	for tag, value := range initial {
		g.values[tag] = value
		g.size += taggedResourceSize(tag, value)
	}
	return g
}

// taggedResourceSize approximates the serialized size contribution of one
// tag/value pair: a fixed 4-byte tag footprint plus the value bytes.
// Real BCS framing is out of scope; this is internally consistent, which
// is all invariant 9 (group size invariance) requires.
func taggedResourceSize(tag Tag, value []byte) int {
	return 4 + len(value) // 4-byte tag plus raw value bytes
}

// Size returns the group's currently tracked byte size.
func (g *ResourceGroup) Size() int {
	return g.size
}

// Get returns a tag's current value, if present.
func (g *ResourceGroup) Get(tag Tag) ([]byte, bool) {
	v, ok := g.values[tag]
	return v, ok
}

// IncrementSizeForAddTag applies a write that sets tag to value,
// incrementally updating the tracked size (spec.md §4.5
// increment_size_for_add_tag).
func (g *ResourceGroup) IncrementSizeForAddTag(tag Tag, value []byte) {
	if old, ok := g.values[tag]; ok {
		g.size -= taggedResourceSize(tag, old)
	}
	g.values[tag] = value
	g.size += taggedResourceSize(tag, value)
}

// DecrementSizeForRemoveTag removes tag, incrementally updating the
// tracked size. Returns ErrGroupSizeUnderflow (a non-fatal speculative
// error, not a panic) if the tag is ReservedTag, which is never deleted,
// or if the computed size would go negative.
func (g *ResourceGroup) DecrementSizeForRemoveTag(tag Tag) error {
	if tag == ReservedTag {
		return errors.Wrap(ErrGroupSizeUnderflow, "reserved tag is never deleted")
	}
	old, ok := g.values[tag]
	if !ok {
		return nil
	}
	delta := taggedResourceSize(tag, old)
	if g.size-delta < 0 {
		return ErrGroupSizeUnderflow
	}
	delete(g.values, tag)
	g.size -= delta
	return nil
}

// ApplyWrite applies one GroupWrite to the group, recomputing size
// incrementally. A nil Value deletes the tag.
func (g *ResourceGroup) ApplyWrite(w GroupWrite) error {
	if w.Value == nil {
		return g.DecrementSizeForRemoveTag(w.Tag)
	}
	g.IncrementSizeForAddTag(w.Tag, w.Value)
	return nil
}

// Snapshot returns a defensive copy of the group's current tag -> value
// contents, for output materialization.
func (g *ResourceGroup) Snapshot() map[Tag][]byte {
	out := make(map[Tag][]byte, len(g.values))
	for tag, value := range g.values {
		out[tag] = value
	}
	return out
}
