package ccda

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Section codes name the clinical area a parsed section belongs to. They are
// three-letter identifiers so C-CDA sections and HL7v2 segments share one
// downstream vocabulary.
const (
	SectionPatient       = "PAT"
	SectionProblems      = "PRB"
	SectionAllergies     = "ALG"
	SectionMedications   = "MED"
	SectionResults       = "RES"
	SectionVitalSigns    = "VIT"
	SectionProcedures    = "PRC"
	SectionImmunizations = "IMM"
	SectionEncounters    = "ENC"
)

// ParsedDocument represents the extracted data from a C-CDA document.
type ParsedDocument struct {
	Title    string
	Created  time.Time
	Patient  ParsedPatient
	Sections []ParsedSection
}

// ParsedPatient contains the patient demographics extracted from the CDA
// header.
type ParsedPatient struct {
	Family      string
	Given       string
	DOB         string // YYYYMMDD as carried in the document
	Gender      string
	Identifiers []ParsedID
}

// ParsedID is a parsed identifier.
type ParsedID struct {
	Root      string
	Extension string
}

// ParsedSection holds data extracted from a single CDA section.
type ParsedSection struct {
	Code    string // one of the Section* constants, or "" for unrecognized
	LOINC   string
	Title   string
	Entries []SectionEntry
}

// SectionEntry is one clinical statement extracted from a section, flattened
// to the fields a conversion needs regardless of the section's CDA shape.
type SectionEntry struct {
	Code          string
	Display       string
	Status        string
	EffectiveTime string // HL7 timestamp as carried in the document
	Value         string
	Unit          string
}

// Parser extracts structured data from C-CDA documents. It is safe for
// concurrent use because it holds no mutable state.
type Parser struct{}

// NewParser creates a new C-CDA parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads a C-CDA XML document and extracts the header patient plus every
// recognized section. Unrecognized sections are returned with an empty Code
// so the caller can decide how to preserve them.
func (p *Parser) Parse(xmlData []byte) (*ParsedDocument, error) {
	if len(xmlData) == 0 {
		return nil, fmt.Errorf("ccda: XML data is empty")
	}

	var doc ClinicalDocument
	if err := xml.Unmarshal(xmlData, &doc); err != nil {
		return nil, fmt.Errorf("ccda: failed to parse XML: %w", err)
	}

	result := &ParsedDocument{Title: doc.Title}

	if doc.EffectiveTime != nil && doc.EffectiveTime.Value != "" {
		if t, err := parseHL7Time(doc.EffectiveTime.Value); err == nil {
			result.Created = t
		}
	}

	result.Patient = p.parsePatient(&doc)

	if doc.Component != nil && doc.Component.StructuredBody != nil {
		for _, comp := range doc.Component.StructuredBody.Components {
			if comp.Section == nil {
				continue
			}
			if ps := p.parseSection(comp.Section); ps != nil {
				result.Sections = append(result.Sections, *ps)
			}
		}
	}
	return result, nil
}

// parsePatient extracts patient demographics from the CDA header.
func (p *Parser) parsePatient(doc *ClinicalDocument) ParsedPatient {
	patient := ParsedPatient{}

	if doc.RecordTarget == nil || doc.RecordTarget.PatientRole == nil {
		return patient
	}
	role := doc.RecordTarget.PatientRole

	for _, id := range role.IDs {
		patient.Identifiers = append(patient.Identifiers, ParsedID{
			Root:      id.Root,
			Extension: id.Extension,
		})
	}

	if role.Patient == nil {
		return patient
	}
	pat := role.Patient

	if pat.Name != nil {
		patient.Family = pat.Name.Family
		patient.Given = pat.Name.Given
	}
	if pat.AdministrativeGenderCode != nil {
		patient.Gender = pat.AdministrativeGenderCode.Code
		if patient.Gender == "" {
			patient.Gender = pat.AdministrativeGenderCode.DisplayName
		}
	}
	if pat.BirthTime != nil {
		patient.DOB = strings.TrimSpace(pat.BirthTime.Value)
	}
	return patient
}

// parseSection maps a CDA section to a ParsedSection based on its LOINC code.
func (p *Parser) parseSection(section *Section) *ParsedSection {
	if section.Code == nil {
		return nil
	}

	ps := &ParsedSection{
		Code:  sectionCodeForLOINC(section.Code.Code),
		LOINC: section.Code.Code,
		Title: section.Title,
	}

	switch ps.Code {
	case SectionAllergies:
		ps.Entries = p.parseActObservations(section)
	case SectionProblems:
		ps.Entries = p.parseActObservations(section)
	case SectionMedications:
		ps.Entries = p.parseSubstanceAdministrations(section)
	case SectionImmunizations:
		ps.Entries = p.parseSubstanceAdministrations(section)
	case SectionResults, SectionVitalSigns:
		ps.Entries = p.parseOrganizerObservations(section)
	case SectionProcedures:
		ps.Entries = p.parseProcedures(section)
	case SectionEncounters:
		ps.Entries = p.parseEncounters(section)
	}
	return ps
}

// parseActObservations handles allergy and problem sections, where the
// clinical statement is an observation nested under an act wrapper.
func (p *Parser) parseActObservations(section *Section) []SectionEntry {
	var entries []SectionEntry
	for _, e := range section.Entries {
		if e.Act == nil {
			continue
		}
		entry := SectionEntry{}
		if e.Act.StatusCode != nil {
			entry.Status = e.Act.StatusCode.Code
		}
		if e.Act.EffectiveTime != nil && e.Act.EffectiveTime.Low != nil {
			entry.EffectiveTime = e.Act.EffectiveTime.Low.Value
		}
		for _, er := range e.Act.EntryRelationships {
			if er.Observation == nil || er.Observation.Value == nil {
				continue
			}
			entry.Code = er.Observation.Value.Code
			entry.Display = er.Observation.Value.DisplayName
		}
		entries = append(entries, entry)
	}
	return entries
}

// parseSubstanceAdministrations handles medication and immunization sections.
func (p *Parser) parseSubstanceAdministrations(section *Section) []SectionEntry {
	var entries []SectionEntry
	for _, e := range section.Entries {
		if e.SubstanceAdministration == nil {
			continue
		}
		sa := e.SubstanceAdministration
		entry := SectionEntry{}
		if sa.StatusCode != nil {
			entry.Status = sa.StatusCode.Code
		}
		if sa.EffectiveTime != nil && sa.EffectiveTime.Low != nil {
			entry.EffectiveTime = sa.EffectiveTime.Low.Value
		}
		if code := materialCode(sa.Consumable); code != nil {
			entry.Code = code.Code
			entry.Display = code.DisplayName
		}
		entries = append(entries, entry)
	}
	return entries
}

// parseOrganizerObservations handles results and vital signs, which group
// observations under organizers.
func (p *Parser) parseOrganizerObservations(section *Section) []SectionEntry {
	var entries []SectionEntry
	for _, e := range section.Entries {
		if e.Organizer == nil {
			continue
		}
		for _, comp := range e.Organizer.Components {
			obs := comp.Observation
			if obs == nil {
				continue
			}
			entry := SectionEntry{}
			if obs.Code != nil {
				entry.Code = obs.Code.Code
				entry.Display = obs.Code.DisplayName
			}
			if obs.StatusCode != nil {
				entry.Status = obs.StatusCode.Code
			}
			if obs.Value != nil {
				entry.Value = obs.Value.Value
				entry.Unit = obs.Value.Unit
				if entry.Value == "" {
					entry.Value = obs.Value.DisplayName
				}
			}
			if obs.EffectiveTime != nil && obs.EffectiveTime.Low != nil {
				entry.EffectiveTime = obs.EffectiveTime.Low.Value
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

func (p *Parser) parseProcedures(section *Section) []SectionEntry {
	var entries []SectionEntry
	for _, e := range section.Entries {
		if e.Procedure == nil {
			continue
		}
		entry := SectionEntry{}
		if e.Procedure.Code != nil {
			entry.Code = e.Procedure.Code.Code
			entry.Display = e.Procedure.Code.DisplayName
		}
		if e.Procedure.StatusCode != nil {
			entry.Status = e.Procedure.StatusCode.Code
		}
		if e.Procedure.EffectiveTime != nil && e.Procedure.EffectiveTime.Low != nil {
			entry.EffectiveTime = e.Procedure.EffectiveTime.Low.Value
		}
		entries = append(entries, entry)
	}
	return entries
}

func (p *Parser) parseEncounters(section *Section) []SectionEntry {
	var entries []SectionEntry
	for _, e := range section.Entries {
		if e.Encounter == nil {
			continue
		}
		enc := e.Encounter
		entry := SectionEntry{}
		if enc.Code != nil {
			entry.Code = enc.Code.Code
			entry.Display = enc.Code.DisplayName
		}
		if enc.StatusCode != nil {
			entry.Status = enc.StatusCode.Code
		}
		if enc.EffectiveTime != nil && enc.EffectiveTime.Low != nil {
			entry.EffectiveTime = enc.EffectiveTime.Low.Value
		}
		entries = append(entries, entry)
	}
	return entries
}

func materialCode(c *Consumable) *Code {
	if c == nil || c.ManufacturedProduct == nil || c.ManufacturedProduct.ManufacturedMaterial == nil {
		return nil
	}
	return c.ManufacturedProduct.ManufacturedMaterial.Code
}

// sectionCodeForLOINC maps a LOINC section code to a section identifier.
func sectionCodeForLOINC(code string) string {
	switch code {
	case LOINCAllergies:
		return SectionAllergies
	case LOINCMedications:
		return SectionMedications
	case LOINCProblems:
		return SectionProblems
	case LOINCProcedures:
		return SectionProcedures
	case LOINCResults:
		return SectionResults
	case LOINCVitalSigns:
		return SectionVitalSigns
	case LOINCImmunizations:
		return SectionImmunizations
	case LOINCEncounters:
		return SectionEncounters
	default:
		return ""
	}
}

// parseHL7Time parses an HL7 time string into a time.Time.
func parseHL7Time(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("ccda: unrecognized time format: %s", s)
	}
}
