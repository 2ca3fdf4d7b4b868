package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// rulePack is the on-disk authoring format for mapping rules.
type rulePack struct {
	Name  string        `yaml:"name"`
	Rules []MappingRule `yaml:"rules"`
}

// RuleStore is an in-process Retriever over a set of mapping rule packs.
// Rules are loaded once and never mutated; Search ranks them lexically
// against the query so results are deterministic for a fixed rule base.
type RuleStore struct {
	rules []MappingRule
}

// NewRuleStore creates a store seeded with the built-in mapping pack.
func NewRuleStore() (*RuleStore, error) {
	s := &RuleStore{}
	var pack rulePack
	if err := yaml.Unmarshal([]byte(builtinRulePack), &pack); err != nil {
		return nil, fmt.Errorf("rulestore: built-in pack: %w", err)
	}
	s.rules = append(s.rules, pack.Rules...)
	return s, nil
}

// LoadDir loads every *.yaml rule pack under dir. Later packs are appended
// after the built-in rules and outrank them only by relevance score.
func (s *RuleStore) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("rulestore: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("rulestore: read %s: %w", e.Name(), err)
		}
		var pack rulePack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return fmt.Errorf("rulestore: parse %s: %w", e.Name(), err)
		}
		s.rules = append(s.rules, pack.Rules...)
	}
	return nil
}

// Len returns the number of loaded rules.
func (s *RuleStore) Len() int { return len(s.rules) }

// Search implements Retriever. Scoring is purely lexical: token overlap
// between the query and the rule's segment, resource, provenance, and target
// paths. Ties break on segment then resource so ranking is stable.
func (s *RuleStore) Search(_ context.Context, query string, topK int) ([]RuleHit, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 || topK <= 0 {
		return nil, nil
	}

	var hits []RuleHit
	for _, rule := range s.rules {
		score := scoreRule(&rule, tokens)
		if score > 0 {
			hits = append(hits, RuleHit{Rule: rule, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Rule.Segment != hits[j].Rule.Segment {
			return hits[i].Rule.Segment < hits[j].Rule.Segment
		}
		return hits[i].Rule.Resource < hits[j].Rule.Resource
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// scoreRule computes the lexical relevance of a rule for the query tokens,
// normalized to (0,1]. An exact segment-identifier token is weighted heavily
// so "map PID to FHIR" prefers the PID rule over incidental overlap.
func scoreRule(rule *MappingRule, tokens []string) float64 {
	corpus := map[string]bool{}
	corpus[strings.ToLower(rule.Segment)] = true
	corpus[strings.ToLower(rule.Resource)] = true
	for _, w := range tokenize(rule.Provenance) {
		corpus[w] = true
	}
	for _, tr := range rule.Transforms {
		for _, w := range tokenize(strings.ReplaceAll(tr.Target, ".", " ")) {
			corpus[w] = true
		}
	}

	var matched, segmentHit float64
	for _, tok := range tokens {
		if tok == strings.ToLower(rule.Segment) {
			segmentHit = 1
		}
		if corpus[tok] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	score := 0.5*segmentHit + 0.5*matched/float64(len(tokens))
	if score > 1 {
		score = 1
	}
	return score
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// builtinRulePack carries the baseline HL7v2 and C-CDA section mappings that
// ship with the engine, used whenever no authored pack covers a segment.
const builtinRulePack = `
name: builtin
rules:
  - segment: MSH
    positions: [9]
    resource: MessageHeader
    provenance: "HL7v2 MSH message header mapping"
    transforms:
      - {source: MSH-9.1, target: MessageHeader.eventCoding.code}
      - {source: MSH-3, target: MessageHeader.source.name, required: true, default: unknown}
      - {source: MSH-4, target: MessageHeader.source.endpoint}

  - segment: PID
    positions: [3, 5]
    resource: Patient
    provenance: "HL7v2 PID patient identification mapping"
    transforms:
      - {source: PID-3.1, target: Patient.id, required: true}
      - {source: PID-3.1, target: Patient.identifier.value}
      - {source: PID-5.1, target: Patient.name.family}
      - {source: PID-5.2, target: Patient.name.given}
      - {source: PID-7, target: Patient.birthDate, coerce: date}
      - {source: PID-8, target: Patient.gender, coerce: "code:gender", default: unknown}
      - {source: PID-11.1, target: Patient.address.line}
      - {source: PID-11.3, target: Patient.address.city}
      - {source: PID-11.4, target: Patient.address.state}
      - {source: PID-11.5, target: Patient.address.postalCode}
      - {source: PID-13.1, target: Patient.telecom.value}

  - segment: PV1
    positions: [2]
    resource: Encounter
    provenance: "HL7v2 PV1 patient visit mapping"
    transforms:
      - {source: PV1-19.1, target: Encounter.id, altSource: PV1-1}
      - {source: "", target: Encounter.status, default: finished, required: true}
      - {source: PV1-2, target: Encounter.class, coerce: "code:encounter-class", required: true}
      - {source: PV1-3.1, target: Encounter.location.display}
      - {source: PV1-44, target: Encounter.period.start, coerce: datetime}
      - {source: PV1-45, target: Encounter.period.end, coerce: datetime}
      - {source: PID-3.1, target: Encounter.subject.reference, coerce: "reference:Patient"}

  - segment: OBX
    positions: [3, 5]
    resource: Observation
    provenance: "HL7v2 OBX observation result mapping"
    transforms:
      - {source: OBX-11, target: Observation.status, coerce: "code:observation-status", default: unknown, required: true}
      - {source: OBX-3.1, target: Observation.code.coding.code, required: true}
      - {source: OBX-3.2, target: Observation.code.text}
      - {source: OBX-5, target: "Observation.value[x]", coerce: auto}
      - {source: OBX-14, target: Observation.effectiveDateTime, coerce: datetime}
      - {source: PID-3.1, target: Observation.subject.reference, coerce: "reference:Patient"}

  - segment: OBR
    positions: [4]
    resource: DiagnosticReport
    provenance: "HL7v2 OBR order observation request mapping"
    transforms:
      - {source: OBR-25, target: DiagnosticReport.status, coerce: "code:observation-status", default: unknown, required: true}
      - {source: OBR-4.1, target: DiagnosticReport.code.coding.code, required: true}
      - {source: OBR-4.2, target: DiagnosticReport.code.text}
      - {source: OBR-7, target: DiagnosticReport.effectiveDateTime, coerce: datetime}
      - {source: PID-3.1, target: DiagnosticReport.subject.reference, coerce: "reference:Patient"}

  - segment: DG1
    positions: [3]
    resource: Condition
    provenance: "HL7v2 DG1 diagnosis mapping"
    transforms:
      - {source: DG1-3.1, target: Condition.code.coding.code, required: true}
      - {source: DG1-3.2, target: Condition.code.text, altSource: DG1-4}
      - {source: DG1-5, target: Condition.onsetDateTime, coerce: datetime}
      - {source: PID-3.1, target: Condition.subject.reference, coerce: "reference:Patient", required: true}

  - segment: AL1
    positions: [3]
    resource: AllergyIntolerance
    provenance: "HL7v2 AL1 allergy mapping"
    transforms:
      - {source: AL1-2, target: AllergyIntolerance.category, coerce: "code:allergy-category"}
      - {source: AL1-3.1, target: AllergyIntolerance.code.coding.code, required: true}
      - {source: AL1-3.2, target: AllergyIntolerance.code.text}
      - {source: AL1-4, target: AllergyIntolerance.criticality}
      - {source: PID-3.1, target: AllergyIntolerance.patient.reference, coerce: "reference:Patient", required: true}

  - segment: NK1
    positions: [2]
    resource: RelatedPerson
    provenance: "HL7v2 NK1 next of kin mapping"
    transforms:
      - {source: NK1-2.1, target: RelatedPerson.name.family}
      - {source: NK1-2.2, target: RelatedPerson.name.given}
      - {source: NK1-3.1, target: RelatedPerson.relationship.coding.code}
      - {source: PID-3.1, target: RelatedPerson.patient.reference, coerce: "reference:Patient", required: true}

  - segment: IN1
    positions: [2]
    resource: Coverage
    provenance: "HL7v2 IN1 insurance coverage mapping"
    transforms:
      - {source: "", target: Coverage.status, default: active, required: true}
      - {source: IN1-2.1, target: Coverage.type.coding.code}
      - {source: IN1-4.1, target: Coverage.payor.display, required: true}
      - {source: PID-3.1, target: Coverage.beneficiary.reference, coerce: "reference:Patient", required: true}

  - segment: PAT
    positions: [1]
    resource: Patient
    provenance: "C-CDA recordTarget patient demographics mapping"
    transforms:
      - {source: PAT-1, target: Patient.id, required: true}
      - {source: PAT-2, target: Patient.name.family}
      - {source: PAT-3, target: Patient.name.given}
      - {source: PAT-4, target: Patient.birthDate, coerce: date}
      - {source: PAT-5, target: Patient.gender, coerce: "code:gender", default: unknown}

  - segment: PRB
    positions: [1]
    resource: Condition
    provenance: "C-CDA problems section mapping"
    transforms:
      - {source: PRB-1, target: Condition.code.coding.code, required: true}
      - {source: PRB-2, target: Condition.code.text}
      - {source: PRB-4, target: Condition.onsetDateTime, coerce: datetime}
      - {source: PAT-1, target: Condition.subject.reference, coerce: "reference:Patient", required: true}

  - segment: ALG
    positions: [1]
    resource: AllergyIntolerance
    provenance: "C-CDA allergies section mapping"
    transforms:
      - {source: ALG-1, target: AllergyIntolerance.code.coding.code, required: true}
      - {source: ALG-2, target: AllergyIntolerance.code.text}
      - {source: PAT-1, target: AllergyIntolerance.patient.reference, coerce: "reference:Patient", required: true}

  - segment: MED
    positions: [1]
    resource: MedicationStatement
    provenance: "C-CDA medications section mapping"
    transforms:
      - {source: MED-3, target: MedicationStatement.status, default: unknown, required: true}
      - {source: MED-1, target: MedicationStatement.medicationCodeableConcept.coding.code, required: true}
      - {source: MED-2, target: MedicationStatement.medicationCodeableConcept.text}
      - {source: PAT-1, target: MedicationStatement.subject.reference, coerce: "reference:Patient", required: true}

  - segment: RES
    positions: [1]
    resource: Observation
    provenance: "C-CDA results section mapping"
    transforms:
      - {source: RES-3, target: Observation.status, coerce: "code:observation-status", default: unknown, required: true}
      - {source: RES-1, target: Observation.code.coding.code, required: true}
      - {source: RES-2, target: Observation.code.text}
      - {source: RES-5, target: "Observation.value[x]", coerce: auto}
      - {source: RES-4, target: Observation.effectiveDateTime, coerce: datetime}
      - {source: PAT-1, target: Observation.subject.reference, coerce: "reference:Patient"}

  - segment: VIT
    positions: [1]
    resource: Observation
    provenance: "C-CDA vital signs section mapping"
    transforms:
      - {source: VIT-3, target: Observation.status, coerce: "code:observation-status", default: final, required: true}
      - {source: VIT-1, target: Observation.code.coding.code, required: true}
      - {source: VIT-2, target: Observation.code.text}
      - {source: VIT-5, target: "Observation.value[x]", coerce: auto}
      - {source: PAT-1, target: Observation.subject.reference, coerce: "reference:Patient"}

  - segment: PRC
    positions: [1]
    resource: Procedure
    provenance: "C-CDA procedures section mapping"
    transforms:
      - {source: PRC-3, target: Procedure.status, default: completed, required: true}
      - {source: PRC-1, target: Procedure.code.coding.code, required: true}
      - {source: PRC-2, target: Procedure.code.text}
      - {source: PAT-1, target: Procedure.subject.reference, coerce: "reference:Patient", required: true}

  - segment: IMM
    positions: [1]
    resource: Immunization
    provenance: "C-CDA immunizations section mapping"
    transforms:
      - {source: IMM-3, target: Immunization.status, default: completed, required: true}
      - {source: IMM-1, target: Immunization.vaccineCode.coding.code, required: true}
      - {source: IMM-2, target: Immunization.vaccineCode.text}
      - {source: IMM-4, target: Immunization.occurrenceDateTime, coerce: datetime}
      - {source: PAT-1, target: Immunization.patient.reference, coerce: "reference:Patient", required: true}

  - segment: ENC
    positions: [1]
    resource: Encounter
    provenance: "C-CDA encounters section mapping"
    transforms:
      - {source: ENC-3, target: Encounter.status, default: finished, required: true}
      - {source: "", target: Encounter.class, default: AMB, required: true}
      - {source: ENC-1, target: Encounter.type.coding.code}
      - {source: ENC-4, target: Encounter.period.start, coerce: datetime}
      - {source: PAT-1, target: Encounter.subject.reference, coerce: "reference:Patient"}
`
