package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run is one persisted transformation run: its terminal status plus the full
// audit trail as produced by the engine. Rows are append-only; a run is never
// updated after it is recorded.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	RunID       string          `json:"runId"`
	Source      string          `json:"source"` // "hl7v2" or "ccda"
	MessageType string          `json:"messageType,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	BundleID    string          `json:"bundleId,omitempty"`
	Trail       json.RawMessage `json:"trail"`
	CreatedAt   time.Time       `json:"createdAt"`
}
