package engine

import (
	"fmt"
	"strings"

	"github.com/fhirbridge/bridge/internal/platform/ccda"
	"github.com/fhirbridge/bridge/internal/platform/hl7v2"
)

// FromHL7 converts a parsed HL7v2 message into the engine's segment tree.
// Message order is preserved; Z-segments are marked unclassified so
// resolution routes them through inference.
func FromHL7(msg *hl7v2.Message) (*SegmentTree, error) {
	if msg == nil || len(msg.Segments) == 0 {
		return nil, fmt.Errorf("engine: %w: message has no segments", ErrMalformedInput)
	}

	tree := &SegmentTree{
		Source:      "hl7v2",
		MessageType: msg.Type,
		Segments:    make([]Segment, 0, len(msg.Segments)),
	}
	for i, src := range msg.Segments {
		seg := Segment{
			ID:           src.Name,
			Index:        i,
			Unclassified: src.IsCustom(),
			Raw:          src.Raw,
		}
		for j, f := range src.Fields {
			seg.Fields = append(seg.Fields, Field{
				Position:   j + 1,
				Value:      f.Value,
				Components: f.Components,
			})
		}
		tree.Segments = append(tree.Segments, seg)
	}
	return tree, nil
}

// FromCCDA flattens a parsed C-CDA document into the same segment tree shape
// HL7v2 messages produce, so one resolution pipeline serves both inputs. The
// header patient becomes a PAT segment; each section entry becomes one
// segment named after its section, with fields 1=code, 2=display, 3=status,
// 4=effectiveTime, 5=value, 6=unit.
func FromCCDA(doc *ccda.ParsedDocument) (*SegmentTree, error) {
	if doc == nil {
		return nil, fmt.Errorf("engine: %w: nil document", ErrMalformedInput)
	}

	tree := &SegmentTree{Source: "ccda", MessageType: "CCD"}

	pat := patientSegment(&doc.Patient)
	pat.Index = 0
	tree.Segments = append(tree.Segments, pat)

	idx := 1
	for _, section := range doc.Sections {
		if section.Code == "" {
			// Unrecognized section: emitted as an unclassified segment so
			// its presence survives into the bundle as an extension.
			tree.Segments = append(tree.Segments, Segment{
				ID:           "ZSC",
				Index:        idx,
				Unclassified: true,
				Raw:          section.Title,
				Fields: []Field{
					{Position: 1, Value: section.LOINC, Components: []string{section.LOINC}},
					{Position: 2, Value: section.Title, Components: []string{section.Title}},
				},
			})
			idx++
			continue
		}
		for _, entry := range section.Entries {
			tree.Segments = append(tree.Segments, entrySegment(section.Code, idx, entry))
			idx++
		}
	}
	return tree, nil
}

func patientSegment(p *ccda.ParsedPatient) Segment {
	mrn := ""
	if len(p.Identifiers) > 0 {
		mrn = p.Identifiers[0].Extension
	}
	values := []string{mrn, p.Family, p.Given, p.DOB, p.Gender}

	seg := Segment{ID: "PAT"}
	for i, v := range values {
		seg.Fields = append(seg.Fields, Field{
			Position:   i + 1,
			Value:      v,
			Components: []string{v},
		})
	}
	seg.Raw = "PAT|" + strings.Join(values, "|")
	return seg
}

func entrySegment(code string, idx int, e ccda.SectionEntry) Segment {
	values := []string{e.Code, e.Display, e.Status, e.EffectiveTime, e.Value, e.Unit}

	seg := Segment{ID: code, Index: idx}
	for i, v := range values {
		seg.Fields = append(seg.Fields, Field{
			Position:   i + 1,
			Value:      v,
			Components: []string{v},
		})
	}
	seg.Raw = code + "|" + strings.Join(values, "|")
	return seg
}
