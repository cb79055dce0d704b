package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CSRStatus is the lifecycle state of a certificate signing request
type CSRStatus int

const (
	StatusUnknown CSRStatus = iota
	StatusPending
	StatusApproved
	StatusDenied
)

var csrStatusNames = map[CSRStatus]string{
	StatusUnknown:  "UNKNOWN",
	StatusPending:  "PENDING",
	StatusApproved: "APPROVED",
	StatusDenied:   "DENIED",
}

// csrTransitions lists every allowed status change. Anything absent is rejected.
// Deletion is not a status and is allowed from every state.
var csrTransitions = map[CSRStatus]map[CSRStatus]bool{
	StatusUnknown:  {StatusPending: true},
	StatusPending:  {StatusPending: true, StatusApproved: true, StatusDenied: true},
	StatusApproved: {},
	StatusDenied:   {},
}

// String returns the wire name of the status
func (s CSRStatus) String() string {
	if name, ok := csrStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCSRStatus parses a wire status name
func ParseCSRStatus(s string) (CSRStatus, error) {
	for status, name := range csrStatusNames {
		if name == s {
			return status, nil
		}
	}
	return StatusUnknown, fmt.Errorf("invalid csr status %q", s)
}

// CanTransition reports whether a record in status from may move to status to
func CanTransition(from, to CSRStatus) bool {
	return csrTransitions[from][to]
}

// MarshalJSON encodes the status as its wire name
func (s CSRStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire status name
func (s *CSRStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseCSRStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CSRRecord is the metadata persisted next to a pending CSR
type CSRRecord struct {
	Identity   string    `json:"identity"`
	RemoteAddr string    `json:"remote_ip_address"`
	CSR        string    `json:"csr"`
	Status     CSRStatus `json:"status"`
	Cert       string    `json:"cert,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
