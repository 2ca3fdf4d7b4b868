package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func patientSteps() []Step {
	return []Step{
		{Source: "PID-3.1", Target: "Patient.id", Required: true},
		{Source: "PID-5.1", Target: "Patient.name.family"},
		{Source: "PID-5.2", Target: "Patient.name.given"},
		{Source: "PID-7", Target: "Patient.birthDate", Coerce: "date"},
		{Source: "PID-8", Target: "Patient.gender", Coerce: "code:gender", Default: "unknown"},
	}
}

func adtTree() *SegmentTree {
	return &SegmentTree{
		Source:      "hl7v2",
		MessageType: "ADT^A01",
		Segments: []Segment{
			testSegment("MSH", 0, "|", "^~\\&", "APP", "FAC"),
			testSegment("PID", 1, "1", "", "12345^^^MRN", "", "Doe^John", "", "19800115", "M"),
		},
	}
}

func TestExecutePatientTemplate(t *testing.T) {
	tree := adtTree()
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())

	bundle, violations := Execute(tpl, tree)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	if len(bundle.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(bundle.Resources))
	}

	res := bundle.Resources[0]
	checks := map[string]interface{}{
		"id":          "12345",
		"name.family": "Doe",
		"name.given":  "John",
		"birthDate":   "1980-01-15",
		"gender":      "male",
	}
	for path, want := range checks {
		got, ok := res.Get(path)
		if !ok || got != want {
			t.Errorf("Get(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestExecuteProvenancePerField(t *testing.T) {
	tree := adtTree()
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())

	bundle, _ := Execute(tpl, tree)
	if len(bundle.Provenance) != len(patientSteps()) {
		t.Fatalf("got %d provenance rows, want %d", len(bundle.Provenance), len(patientSteps()))
	}
	for _, p := range bundle.Provenance {
		if p.TemplateID != tpl.ID || p.TemplateVersion != 1 {
			t.Errorf("provenance row not linked to template: %+v", p)
		}
		if p.ResourceID != "12345" {
			t.Errorf("provenance row missing resource id: %+v", p)
		}
		if p.SegmentID != "PID" {
			t.Errorf("provenance row wrong segment: %+v", p)
		}
	}
}

func TestExecuteDefaultApplied(t *testing.T) {
	tree := adtTree()
	// Drop PID-8 so the gender default kicks in.
	tree.Segments[1].Fields[7].Value = ""
	tree.Segments[1].Fields[7].Components = []string{""}
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())

	bundle, violations := Execute(tpl, tree)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	got, _ := bundle.Resources[0].Get("gender")
	if got != "unknown" {
		t.Errorf("gender = %v, want default unknown", got)
	}

	var sawDefault bool
	for _, p := range bundle.Provenance {
		if p.Path == "gender" && p.Source == "default" {
			sawDefault = true
		}
	}
	if !sawDefault {
		t.Error("default application not recorded in provenance")
	}
}

func TestExecuteMissingRequiredViolation(t *testing.T) {
	tree := adtTree()
	tree.Segments[1].Fields[2].Value = ""
	tree.Segments[1].Fields[2].Components = []string{""}
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())

	_, violations := Execute(tpl, tree)
	if len(violations) != 1 {
		t.Fatalf("got %d violations, want 1: %v", len(violations), violations)
	}
	v := violations[0]
	if v.Kind != ViolationMissingRequired || v.Resource != "Patient" || v.Path != "id" {
		t.Errorf("violation = %+v", v)
	}
}

func TestExecuteBadDateViolation(t *testing.T) {
	tree := adtTree()
	tree.Segments[1].Fields[6].Value = "notadate"
	tree.Segments[1].Fields[6].Components = []string{"notadate"}
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())

	bundle, violations := Execute(tpl, tree)
	if len(violations) != 1 || violations[0].Kind != ViolationTypeMismatch {
		t.Fatalf("violations = %v, want one type-mismatch", violations)
	}
	// The bad field is skipped, the rest of the resource still builds.
	if got, _ := bundle.Resources[0].Get("name.family"); got != "Doe" {
		t.Errorf("name.family = %v after coercion failure", got)
	}
	if _, ok := bundle.Resources[0].Get("birthDate"); ok {
		t.Error("birthDate should be absent after failed coercion")
	}
}

func TestExecuteUnknownCodeViolation(t *testing.T) {
	tree := adtTree()
	tree.Segments[1].Fields[7].Value = "Q"
	tree.Segments[1].Fields[7].Components = []string{"Q"}
	steps := patientSteps()
	steps[4].Default = "" // no default, force the binding check
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", steps)

	_, violations := Execute(tpl, tree)
	if len(violations) != 1 || violations[0].Kind != ViolationInvalidCodeBinding {
		t.Fatalf("violations = %v, want one invalid-code-binding", violations)
	}
}

func TestExecuteAutoValueQuantity(t *testing.T) {
	tree := &SegmentTree{
		Source: "hl7v2", MessageType: "ORU^R01",
		Segments: []Segment{
			testSegment("OBX", 0, "1", "NM", "GLU^Glucose", "1", "105", "mg/dL", "", "", "", "", "F"),
		},
	}
	tpl := NewTemplate(SignatureOf(&tree.Segments[0]), "Observation", []Step{
		{Source: "OBX-3.1", Target: "Observation.code.coding.code", Required: true},
		{Source: "OBX-5", Target: "Observation.value[x]", Coerce: "auto"},
		{Source: "OBX-11", Target: "Observation.status", Coerce: "code:observation-status", Default: "unknown", Required: true},
	})

	bundle, violations := Execute(tpl, tree)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	res := bundle.Resources[0]

	got, ok := res.Get("valueQuantity.value")
	if !ok || got != 105.0 {
		t.Errorf("valueQuantity.value = %v, want 105", got)
	}
	if unit, _ := res.Get("valueQuantity.unit"); unit != "mg/dL" {
		t.Errorf("valueQuantity.unit = %v, want mg/dL", unit)
	}
	if status, _ := res.Get("status"); status != "final" {
		t.Errorf("status = %v, want final", status)
	}
}

func TestExecuteAutoValueString(t *testing.T) {
	tree := &SegmentTree{
		Source: "hl7v2", MessageType: "ORU^R01",
		Segments: []Segment{
			testSegment("OBX", 0, "1", "ST", "COL^Color", "1", "amber"),
		},
	}
	tpl := NewTemplate(SignatureOf(&tree.Segments[0]), "Observation", []Step{
		{Source: "OBX-5", Target: "Observation.value[x]", Coerce: "auto"},
	})

	bundle, _ := Execute(tpl, tree)
	if got, _ := bundle.Resources[0].Get("valueString"); got != "amber" {
		t.Errorf("valueString = %v, want amber", got)
	}
}

func TestExecuteMatchesExactShapeOnly(t *testing.T) {
	full := testSegment("OBX", 0, "1", "NM", "GLU^Glucose", "1", "105", "mg/dL")
	sparse := testSegment("OBX", 1, "2", "ST", "COL^Color")
	tree := &SegmentTree{Source: "hl7v2", Segments: []Segment{full, sparse}}

	tpl := NewTemplate(SignatureOf(&full), "Observation", []Step{
		{Source: "OBX-3.1", Target: "Observation.code.coding.code"},
	})
	bundle, _ := Execute(tpl, tree)
	if len(bundle.Resources) != 1 {
		t.Fatalf("got %d resources, want 1: differently shaped segments share an id but not a template", len(bundle.Resources))
	}
}

func TestExecuteRepeatedSegments(t *testing.T) {
	a := testSegment("OBX", 0, "1", "NM", "GLU^Glucose", "1", "105", "mg/dL")
	b := testSegment("OBX", 1, "2", "NM", "NA^Sodium", "1", "140", "mmol/L")
	tree := &SegmentTree{Source: "hl7v2", Segments: []Segment{a, b}}

	tpl := NewTemplate(SignatureOf(&a), "Observation", []Step{
		{Source: "OBX-3.1", Target: "Observation.code.coding.code"},
	})
	bundle, _ := Execute(tpl, tree)
	if len(bundle.Resources) != 2 {
		t.Fatalf("got %d resources, want one per matching segment", len(bundle.Resources))
	}
	first, _ := bundle.Resources[0].Get("code.coding.code")
	second, _ := bundle.Resources[1].Get("code.coding.code")
	if first != "GLU" || second != "NA" {
		t.Errorf("resources out of tree order: %v, %v", first, second)
	}
}

func TestExecuteCrossSegmentReference(t *testing.T) {
	tree := &SegmentTree{
		Source: "hl7v2", MessageType: "ADT^A01",
		Segments: []Segment{
			testSegment("PID", 0, "1", "", "12345"),
			testSegment("DG1", 1, "1", "", "E11.9^Type 2 diabetes"),
		},
	}
	tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Condition", []Step{
		{Source: "DG1-3.1", Target: "Condition.code.coding.code", Required: true},
		{Source: "PID-3.1", Target: "Condition.subject.reference", Coerce: "reference:Patient", Required: true},
	})

	bundle, violations := Execute(tpl, tree)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	if got, _ := bundle.Resources[0].Get("subject.reference"); got != "Patient/12345" {
		t.Errorf("subject.reference = %v, want Patient/12345", got)
	}
}

func TestExecuteExtensionPreservation(t *testing.T) {
	seg := testSegment("ZQQ", 0, "alpha", "beta")
	seg.Unclassified = true
	tree := &SegmentTree{Source: "hl7v2", Segments: []Segment{seg}}

	tpl := NewTemplate(SignatureOf(&seg), "Basic", preservationSteps(&seg))
	bundle, violations := Execute(tpl, tree)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}

	raw, err := bundle.Resources[0].MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"urn:legacy-field:ZQQ-1", "alpha", "urn:legacy-field:ZQQ-2", "beta"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("marshaled resource missing %q: %s", want, raw)
		}
	}
}

func TestExecuteDeterministic(t *testing.T) {
	run := func() (string, string) {
		tree := adtTree()
		tpl := NewTemplate(SignatureOf(&tree.Segments[1]), "Patient", patientSteps())
		bundle, _ := Execute(tpl, tree)
		raw, err := bundle.Resources[0].MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		return bundle.ID, string(raw)
	}

	id1, json1 := run()
	id2, json2 := run()
	if id1 != id2 {
		t.Errorf("bundle ids differ: %s vs %s", id1, id2)
	}
	if diff := cmp.Diff(json1, json2); diff != "" {
		t.Errorf("execution output differs between runs (-first +second):\n%s", diff)
	}
}

func TestParseLegacyTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"19800115", "1980-01-15", true},
		{"198001151030", "1980-01-15", true},
		{"19800115103045", "1980-01-15", true},
		{"1980", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := parseLegacyTimestamp(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("parseLegacyTimestamp(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got.Format("2006-01-02") != tt.want {
			t.Errorf("parseLegacyTimestamp(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
