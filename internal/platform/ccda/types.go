package ccda

import "encoding/xml"

// LOINC codes identifying the C-CDA 2.1 sections the converter understands.
// Sections carrying any other code are preserved, not interpreted.
const (
	LOINCAllergies     = "48765-2"
	LOINCMedications   = "10160-0"
	LOINCProblems      = "11450-4"
	LOINCProcedures    = "47519-4"
	LOINCResults       = "30954-2"
	LOINCVitalSigns    = "8716-3"
	LOINCImmunizations = "11369-6"
	LOINCSocialHistory = "29762-2"
	LOINCPlanOfCare    = "18776-5"
	LOINCEncounters    = "46240-8"
)

// Code system OIDs seen in the documents we ingest.
const (
	OIDLOINC       = "2.16.840.1.113883.6.1"
	OIDSNOMED      = "2.16.840.1.113883.6.96"
	OIDRxNorm      = "2.16.840.1.113883.6.88"
	OIDICD10       = "2.16.840.1.113883.6.90"
	OIDAdminGender = "2.16.840.1.113883.5.1"
)

// The types below model just enough of the CDA R2 schema to extract the
// header patient and the section entries. Header participants, custodians,
// and narrative tables are left to the decoder to skip.

// ClinicalDocument is the root element of a CDA R2 document.
type ClinicalDocument struct {
	XMLName       xml.Name      `xml:"urn:hl7-org:v3 ClinicalDocument"`
	ID            *InstanceID   `xml:"id,omitempty"`
	Code          *Code         `xml:"code,omitempty"`
	Title         string        `xml:"title,omitempty"`
	EffectiveTime *TimeValue    `xml:"effectiveTime,omitempty"`
	RecordTarget  *RecordTarget `xml:"recordTarget,omitempty"`
	Component     *Component    `xml:"component,omitempty"`
}

// InstanceID is a root OID plus an extension, the CDA identifier pattern.
type InstanceID struct {
	Root      string `xml:"root,attr"`
	Extension string `xml:"extension,attr,omitempty"`
}

// Code is a coded value with its code system.
type Code struct {
	Code           string `xml:"code,attr,omitempty"`
	CodeSystem     string `xml:"codeSystem,attr,omitempty"`
	CodeSystemName string `xml:"codeSystemName,attr,omitempty"`
	DisplayName    string `xml:"displayName,attr,omitempty"`
	NullFlavor     string `xml:"nullFlavor,attr,omitempty"`
}

// TimeValue is a point in time in HL7 format (YYYYMMDD or YYYYMMDDHHmmss).
type TimeValue struct {
	Value string `xml:"value,attr,omitempty"`
}

// TimeRange is an effectiveTime interval. Extraction reads the low bound.
type TimeRange struct {
	Low  *TimeValue `xml:"low,omitempty"`
	High *TimeValue `xml:"high,omitempty"`
}

// RecordTarget wraps the patient in the CDA header.
type RecordTarget struct {
	PatientRole *PatientRole `xml:"patientRole,omitempty"`
}

// PatientRole carries patient identifiers and demographics.
type PatientRole struct {
	IDs     []InstanceID `xml:"id,omitempty"`
	Patient *Patient     `xml:"patient,omitempty"`
}

// Patient holds the demographic elements extraction reads.
type Patient struct {
	Name                     *Name      `xml:"name,omitempty"`
	AdministrativeGenderCode *Code      `xml:"administrativeGenderCode,omitempty"`
	BirthTime                *TimeValue `xml:"birthTime,omitempty"`
}

// Name is a person name, first given and family only.
type Name struct {
	Given  string `xml:"given,omitempty"`
	Family string `xml:"family,omitempty"`
}

// Component wraps the structured body.
type Component struct {
	StructuredBody *StructuredBody `xml:"structuredBody,omitempty"`
}

// StructuredBody holds the document sections.
type StructuredBody struct {
	Components []SectionComponent `xml:"component,omitempty"`
}

// SectionComponent wraps a single section.
type SectionComponent struct {
	Section *Section `xml:"section,omitempty"`
}

// Section is one CDA section: its LOINC code, title, and entries. The
// narrative text block is retained raw; extraction works from the entries.
type Section struct {
	Code    *Code      `xml:"code,omitempty"`
	Title   string     `xml:"title,omitempty"`
	Text    *Narrative `xml:"text,omitempty"`
	Entries []Entry    `xml:"entry,omitempty"`
}

// Narrative is the human-readable block, kept as raw inner XML.
type Narrative struct {
	Content string `xml:",innerxml"`
}

// Entry is one clinical statement. Exactly one of the pointers is set,
// depending on the section's CDA shape.
type Entry struct {
	TypeCode                string                   `xml:"typeCode,attr,omitempty"`
	Act                     *Act                     `xml:"act,omitempty"`
	Organizer               *Organizer               `xml:"organizer,omitempty"`
	SubstanceAdministration *SubstanceAdministration `xml:"substanceAdministration,omitempty"`
	Procedure               *ProcedureEntry          `xml:"procedure,omitempty"`
	Encounter               *EncounterEntry          `xml:"encounter,omitempty"`
	Observation             *ObservationEntry        `xml:"observation,omitempty"`
}

// Act is the wrapper shape problems and allergies use: the clinical payload
// sits in an observation nested under an entryRelationship.
type Act struct {
	Code               *Code               `xml:"code,omitempty"`
	StatusCode         *Code               `xml:"statusCode,omitempty"`
	EffectiveTime      *TimeRange          `xml:"effectiveTime,omitempty"`
	EntryRelationships []EntryRelationship `xml:"entryRelationship,omitempty"`
}

// EntryRelationship links a nested observation to its wrapper.
type EntryRelationship struct {
	TypeCode    string            `xml:"typeCode,attr,omitempty"`
	Observation *ObservationEntry `xml:"observation,omitempty"`
}

// ObservationEntry is a CDA observation.
type ObservationEntry struct {
	Code          *Code      `xml:"code,omitempty"`
	StatusCode    *Code      `xml:"statusCode,omitempty"`
	EffectiveTime *TimeRange `xml:"effectiveTime,omitempty"`
	Value         *Value     `xml:"value,omitempty"`
}

// Value is a typed value: a physical quantity carries value and unit, a
// coded value carries code and display name.
type Value struct {
	Value       string `xml:"value,attr,omitempty"`
	Unit        string `xml:"unit,attr,omitempty"`
	Code        string `xml:"code,attr,omitempty"`
	CodeSystem  string `xml:"codeSystem,attr,omitempty"`
	DisplayName string `xml:"displayName,attr,omitempty"`
}

// SubstanceAdministration is the medication and immunization entry shape.
type SubstanceAdministration struct {
	StatusCode    *Code       `xml:"statusCode,omitempty"`
	EffectiveTime *TimeRange  `xml:"effectiveTime,omitempty"`
	Consumable    *Consumable `xml:"consumable,omitempty"`
}

// Consumable wraps the administered material.
type Consumable struct {
	ManufacturedProduct *ManufacturedProduct `xml:"manufacturedProduct,omitempty"`
}

// ManufacturedProduct wraps the material carrying the medication code.
type ManufacturedProduct struct {
	ManufacturedMaterial *ManufacturedMaterial `xml:"manufacturedMaterial,omitempty"`
}

// ManufacturedMaterial holds the medication code.
type ManufacturedMaterial struct {
	Code *Code `xml:"code,omitempty"`
}

// Organizer groups observations, the shape results and vital signs use.
type Organizer struct {
	Code          *Code                `xml:"code,omitempty"`
	StatusCode    *Code                `xml:"statusCode,omitempty"`
	EffectiveTime *TimeRange           `xml:"effectiveTime,omitempty"`
	Components    []OrganizerComponent `xml:"component,omitempty"`
}

// OrganizerComponent wraps one observation inside an organizer.
type OrganizerComponent struct {
	Observation *ObservationEntry `xml:"observation,omitempty"`
}

// ProcedureEntry is a CDA procedure.
type ProcedureEntry struct {
	Code          *Code      `xml:"code,omitempty"`
	StatusCode    *Code      `xml:"statusCode,omitempty"`
	EffectiveTime *TimeRange `xml:"effectiveTime,omitempty"`
}

// EncounterEntry is a CDA encounter.
type EncounterEntry struct {
	Code          *Code      `xml:"code,omitempty"`
	StatusCode    *Code      `xml:"statusCode,omitempty"`
	EffectiveTime *TimeRange `xml:"effectiveTime,omitempty"`
}
