// Package storage defines the persistence contracts consumed by the
// dispatcher core: the participant credential store, the append-only
// experiment record sink, and the operational telemetry store.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness violation.
	ErrAlreadyExists = errors.New("already exists")
)

// Credential is one participant access code and its bookkeeping flags.
type Credential struct {
	ID           string
	AccessCode   string
	ExitCode     string
	Valid        bool
	Disconnected bool
	KickedOut    bool
	CheckedOut   bool
	StagePos     string
	Win          float64
	UpdatedAt    time.Time
}

// CredentialPatch describes a partial credential update. Nil fields are
// left untouched.
type CredentialPatch struct {
	Valid        *bool
	Disconnected *bool
	KickedOut    *bool
	StagePos     *string
	Win          *float64
}

// ExitInfo carries the final settlement written at checkout.
type ExitInfo struct {
	ExitCode string
	Win      float64
}

// CredentialStore is the external credential collaborator contract.
type CredentialStore interface {
	// CodeExists returns the credential for id, or ErrNotFound.
	CodeExists(ctx context.Context, id string) (Credential, error)
	// MarkValid releases the credential back to the available set.
	MarkValid(ctx context.Context, id string) error
	// MarkInvalid claims the credential for a connected participant.
	MarkInvalid(ctx context.Context, id string) error
	// CheckOut finalizes the credential with exit information.
	CheckOut(ctx context.Context, id string, exit ExitInfo) error
	// UpdateCode applies a partial update to the credential.
	UpdateCode(ctx context.Context, id string, patch CredentialPatch) error
	// CountAvailable returns how many credentials are neither checked out
	// nor claimed. Used as a startup precondition check.
	CountAvailable(ctx context.Context) (int, error)
}

// ExperimentRecord is one append-only row handed to the record sink.
type ExperimentRecord struct {
	SessionID     string
	Condition     string
	StagePos      string
	ParticipantID string
	Part          int
	Kind          string
	Payload       []byte
	CreatedAt     time.Time
}

// RecordSink persists experiment records. Schema ownership stays with the
// scoring/storage collaborator; this core only appends.
type RecordSink interface {
	AppendRecord(ctx context.Context, record ExperimentRecord) error
}

// TelemetryEvent records one operational event.
type TelemetryEvent struct {
	Timestamp     time.Time
	Severity      string
	Channel       string
	Event         string
	ParticipantID string
	SessionID     string
	Detail        string
}

// TelemetryStore persists operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, event TelemetryEvent) error
}
