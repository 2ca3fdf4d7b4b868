package engine

import (
	"errors"
	"testing"

	"github.com/fhirbridge/bridge/internal/platform/ccda"
	"github.com/fhirbridge/bridge/internal/platform/hl7v2"
)

func TestFromHL7(t *testing.T) {
	raw := "MSH|^~\\&|ADT1|HOSP|RCV|RCVFAC|20240101120000||ADT^A01|MSG001|P|2.5.1\r" +
		"PID|1||12345^^^MRN||Doe^John||19800115|M\r" +
		"ZIN|BCBS|PPO"
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	tree, err := FromHL7(msg)
	if err != nil {
		t.Fatalf("FromHL7() error: %v", err)
	}
	if tree.Source != "hl7v2" || tree.MessageType != "ADT^A01" {
		t.Errorf("tree header = %s/%s", tree.Source, tree.MessageType)
	}
	if len(tree.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(tree.Segments))
	}

	for i, seg := range tree.Segments {
		if seg.Index != i {
			t.Errorf("segment %s index = %d, want %d", seg.ID, seg.Index, i)
		}
		if seg.Raw == "" {
			t.Errorf("segment %s lost its raw line", seg.ID)
		}
	}

	pid := tree.Segments[1]
	if pid.ID != "PID" || pid.Unclassified {
		t.Errorf("PID segment = %+v", pid)
	}
	if got := pid.Component(3, 1); got != "12345" {
		t.Errorf("PID-3.1 = %q", got)
	}
	if got := pid.Component(5, 2); got != "John" {
		t.Errorf("PID-5.2 = %q", got)
	}

	zin := tree.Segments[2]
	if !zin.Unclassified {
		t.Error("ZIN should be unclassified")
	}

	// MSH keeps HL7 numbering: position 9 is the message type.
	if got := tree.Segments[0].Component(9, 1); got != "ADT" {
		t.Errorf("MSH-9.1 = %q", got)
	}
}

func TestFromHL7Empty(t *testing.T) {
	if _, err := FromHL7(nil); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("FromHL7(nil) error = %v, want ErrMalformedInput", err)
	}
	if _, err := FromHL7(&hl7v2.Message{}); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("FromHL7(empty) error = %v, want ErrMalformedInput", err)
	}
}

func TestFromCCDA(t *testing.T) {
	doc := &ccda.ParsedDocument{
		Title: "Continuity of Care Document",
		Patient: ccda.ParsedPatient{
			Family: "Doe", Given: "Jane", DOB: "19751120", Gender: "F",
			Identifiers: []ccda.ParsedID{{Root: "2.16.840.1.113883.19.5", Extension: "MRN-778"}},
		},
		Sections: []ccda.ParsedSection{
			{
				Code: ccda.SectionProblems, LOINC: "11450-4", Title: "Problems",
				Entries: []ccda.SectionEntry{
					{Code: "E11.9", Display: "Type 2 diabetes", Status: "active", EffectiveTime: "20200301"},
				},
			},
			{LOINC: "10157-6", Title: "Family History"},
		},
	}

	tree, err := FromCCDA(doc)
	if err != nil {
		t.Fatalf("FromCCDA() error: %v", err)
	}
	if tree.Source != "ccda" || tree.MessageType != "CCD" {
		t.Errorf("tree header = %s/%s", tree.Source, tree.MessageType)
	}
	if len(tree.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(tree.Segments))
	}

	pat := tree.Segments[0]
	if pat.ID != "PAT" || pat.Index != 0 {
		t.Fatalf("first segment = %+v, want PAT at index 0", pat)
	}
	patChecks := map[int]string{1: "MRN-778", 2: "Doe", 3: "Jane", 4: "19751120", 5: "F"}
	for pos, want := range patChecks {
		if got := pat.Field(pos); got != want {
			t.Errorf("PAT-%d = %q, want %q", pos, got, want)
		}
	}

	prb := tree.Segments[1]
	if prb.ID != "PRB" {
		t.Fatalf("second segment = %s, want PRB", prb.ID)
	}
	if got := prb.Field(1); got != "E11.9" {
		t.Errorf("PRB-1 = %q", got)
	}
	if got := prb.Field(4); got != "20200301" {
		t.Errorf("PRB-4 = %q", got)
	}

	// An unrecognized section survives as an unclassified segment.
	zsc := tree.Segments[2]
	if zsc.ID != "ZSC" || !zsc.Unclassified {
		t.Errorf("unrecognized section segment = %+v", zsc)
	}
	if got := zsc.Field(1); got != "10157-6" {
		t.Errorf("ZSC-1 = %q", got)
	}
}

func TestFromCCDANil(t *testing.T) {
	if _, err := FromCCDA(nil); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("FromCCDA(nil) error = %v, want ErrMalformedInput", err)
	}
}
