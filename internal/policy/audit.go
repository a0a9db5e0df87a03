package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome is the recorded result of an evaluated or attempted operation.
type Outcome string

const (
	OutcomePermit Outcome = "permit"
	OutcomeDeny   Outcome = "deny"
	OutcomeError  Outcome = "error"
	OutcomeInfo   Outcome = "info"
)

// ActorInfo identifies who performed an action, for the audit record.
type ActorInfo struct {
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// ResourceInfo identifies what was acted upon.
type ResourceInfo struct {
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// PolicyInfo records which policy (if any) produced the decision.
type PolicyInfo struct {
	PolicyID      string `json:"policy_id"`
	PolicyName    string `json:"policy_name,omitempty"`
	PolicyVersion uint64 `json:"policy_version,omitempty"`
}

// EventMetadata carries OCSF product-identification fields.
type EventMetadata struct {
	ProductName    string `json:"product_name"`
	VendorName     string `json:"vendor_name"`
	ProductVersion string `json:"product_version"`
	Hostname       string `json:"hostname,omitempty"`
}

func defaultMetadata() EventMetadata {
	host, _ := os.Hostname()
	return EventMetadata{
		ProductName:    "agentkernel",
		VendorName:     "agentkernel",
		ProductVersion: "dev",
		Hostname:       host,
	}
}

// AuditEvent is one OCSF-compatible audit record: class_uid 3001 (API
// Activity), category_uid 3 (Audit Activity).
type AuditEvent struct {
	Time       string         `json:"time"`
	ClassUID   uint32         `json:"class_uid"`
	CategoryUID uint32        `json:"category_uid"`
	SeverityID uint32         `json:"severity_id"`
	TypeName   string         `json:"type_name"`
	UID        string         `json:"uid"`
	Action     string         `json:"action"`
	Outcome    Outcome        `json:"outcome"`
	Actor      *ActorInfo     `json:"actor,omitempty"`
	Resource   *ResourceInfo  `json:"resource,omitempty"`
	Policy     *PolicyInfo    `json:"policy,omitempty"`
	Metadata   EventMetadata  `json:"metadata"`
}

// NewAuditEvent fills in the OCSF defaults (class 3001, category 3,
// severity 1/Info unless overridden) and current metadata.
func NewAuditEvent(uid, action string, outcome Outcome) AuditEvent {
	return AuditEvent{
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		ClassUID:    3001,
		CategoryUID: 3,
		SeverityID:  1,
		TypeName:    "policy_decision",
		UID:         uid,
		Action:      action,
		Outcome:     outcome,
		Metadata:    defaultMetadata(),
	}
}

// Journal is an append-only JSONL audit log at $AUDIT_DIR/decisions.jsonl.
// Record calls are serialized by a mutex and each line goes out in a
// single os.File.Write on an O_APPEND file, so lines from concurrent
// Record calls on one Journal never interleave mid-record. Line length is
// not bounded (nothing keeps a line under PIPE_BUF).
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (creating if necessary) the journal file under dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("policy: create audit dir: %w", err)
	}
	path := filepath.Join(dir, "decisions.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("policy: open audit journal: %w", err)
	}
	return &Journal{file: f}, nil
}

// Record appends one event as a single JSON line.
func (j *Journal) Record(event AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("policy: marshal audit event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("policy: write audit journal: %w", err)
	}
	return nil
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
