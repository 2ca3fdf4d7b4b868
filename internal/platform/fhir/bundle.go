package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR R4 Bundle resource. Converted output is always a
// collection bundle; transaction and batch shapes are not produced here.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollectionBundle wraps already-marshaled resources in a collection
// Bundle, deriving each entry's fullUrl from the resource's type and id.
func NewCollectionBundle(id string, resources []json.RawMessage, timestamp *time.Time) *Bundle {
	entries := make([]BundleEntry, 0, len(resources))
	for _, raw := range resources {
		entry := BundleEntry{Resource: raw}
		var peek struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if err := json.Unmarshal(raw, &peek); err == nil && peek.ResourceType != "" && peek.ID != "" {
			entry.FullURL = FormatReference(peek.ResourceType, peek.ID)
		}
		entries = append(entries, entry)
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Timestamp:    timestamp,
		Entry:        entries,
	}
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
