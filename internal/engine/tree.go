package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CustomSegmentPrefix marks vendor-defined segments that carry no standard
// mapping (HL7v2 Z-segments).
const CustomSegmentPrefix = "Z"

// Field is one positional field of a segment. Components hold the
// caret-separated parts; Value is the full raw field text.
type Field struct {
	Position   int
	Value      string
	Components []string
}

// Segment is one structured unit of a legacy clinical message: a 3-character
// identifier plus its ordered fields. Index is the segment's position in the
// original message and is preserved end to end.
type Segment struct {
	ID           string
	Index        int
	Fields       []Field
	Unclassified bool
	Raw          string
}

// Field returns the raw value at a 1-based position, or "" when absent.
func (s *Segment) Field(pos int) string {
	for i := range s.Fields {
		if s.Fields[i].Position == pos {
			return s.Fields[i].Value
		}
	}
	return ""
}

// Component returns a 1-based component of a 1-based field, or "".
func (s *Segment) Component(pos, comp int) string {
	for i := range s.Fields {
		if s.Fields[i].Position == pos {
			if comp-1 < 0 || comp-1 >= len(s.Fields[i].Components) {
				return ""
			}
			return s.Fields[i].Components[comp-1]
		}
	}
	return ""
}

// PopulatedPositions returns the sorted list of field positions that carry a
// non-empty value.
func (s *Segment) PopulatedPositions() []int {
	var out []int
	for i := range s.Fields {
		if strings.TrimSpace(s.Fields[i].Value) != "" {
			out = append(out, s.Fields[i].Position)
		}
	}
	sort.Ints(out)
	return out
}

// SegmentTree is the parsed input handed to the engine by a parser
// collaborator. Segment order is significant; identifiers may repeat.
type SegmentTree struct {
	Source      string // "hl7v2" or "ccda"
	MessageType string
	Segments    []Segment
}

// SegmentsByID returns all segments with the given identifier, in tree order.
func (t *SegmentTree) SegmentsByID(id string) []Segment {
	var out []Segment
	for _, seg := range t.Segments {
		if seg.ID == id {
			out = append(out, seg)
		}
	}
	return out
}

// FirstSegment returns the first segment with the given identifier, or nil.
func (t *SegmentTree) FirstSegment(id string) *Segment {
	for i := range t.Segments {
		if t.Segments[i].ID == id {
			return &t.Segments[i]
		}
	}
	return nil
}

// Digest returns a deterministic fingerprint of the whole tree, used to derive
// reproducible bundle identifiers.
func (t *SegmentTree) Digest() string {
	h := fnv64a()
	h.write(t.Source)
	h.write(t.MessageType)
	for _, seg := range t.Segments {
		h.write(seg.ID)
		h.write(strconv.Itoa(seg.Index))
		h.write(seg.Raw)
	}
	return h.hex()
}

// ShapeSignature is the deterministic fingerprint of a segment's shape:
// identifier plus the set of populated field positions. Templates are cached
// by this value.
type ShapeSignature string

// SegmentID returns the segment identifier portion of the signature.
func (s ShapeSignature) SegmentID() string {
	if i := strings.IndexByte(string(s), '/'); i >= 0 {
		return string(s)[:i]
	}
	return string(s)
}

// SignatureOf derives the shape signature for a segment.
func SignatureOf(seg *Segment) ShapeSignature {
	positions := seg.PopulatedPositions()
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.Itoa(p)
	}
	return ShapeSignature(fmt.Sprintf("%s/%s", seg.ID, strings.Join(parts, ".")))
}

// ---------------------------------------------------------------------------
// FNV-1a helper for deterministic identifiers
// ---------------------------------------------------------------------------

type fnvHash struct{ v uint64 }

func fnv64a() *fnvHash { return &fnvHash{v: 14695981039346656037} }

func (h *fnvHash) write(s string) {
	for i := 0; i < len(s); i++ {
		h.v ^= uint64(s[i])
		h.v *= 1099511628211
	}
}

func (h *fnvHash) hex() string { return strconv.FormatUint(h.v, 16) }
