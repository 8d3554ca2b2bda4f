package domain

import (
	"time"
)

// Operation identifies the mutation that produced a snapshot.
type Operation string

const (
	OperationCreate  Operation = "CREATE"
	OperationUpdate  Operation = "UPDATE"
	OperationDelete  Operation = "DELETE"
	OperationRestore Operation = "RESTORE"
)

// Valid reports whether the operation is one of the known mutation kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationRestore:
		return true
	}
	return false
}

// ParseOperation converts a stored operation label back into an Operation.
func ParseOperation(value string) (Operation, error) {
	op := Operation(value)
	if !op.Valid() {
		return "", Invalidf("unknown operation %q", value)
	}
	return op, nil
}

// Snapshot is the immutable full state of a profile at one version.
type Snapshot struct {
	UserID              string         `json:"userId"`
	Version             int64          `json:"version"`
	Fields              map[string]any `json:"fields"`
	Operation           Operation      `json:"operation"`
	CreatedAt           time.Time      `json:"createdAt"`
	RestoredFromVersion *int64         `json:"restoredFromVersion,omitempty"`
}

// IsTombstone reports whether the snapshot marks a logical deletion.
func (s Snapshot) IsTombstone() bool {
	return s.Operation == OperationDelete
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Fields = CloneFields(s.Fields)
	if s.RestoredFromVersion != nil {
		v := *s.RestoredFromVersion
		out.RestoredFromVersion = &v
	}
	return out
}

// AuditEntry records who performed the mutation behind a snapshot.
type AuditEntry struct {
	UserID    string    `json:"userId"`
	Version   int64     `json:"version"`
	Operation Operation `json:"operation"`
	Actor     string    `json:"actor"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserProfile is the current view of a profile, derived from its latest snapshot.
type UserProfile struct {
	UserID         string         `json:"userId"`
	Fields         map[string]any `json:"fields"`
	CurrentVersion int64          `json:"currentVersion"`
	IsDeleted      bool           `json:"isDeleted"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ProfileFromSnapshot projects the latest snapshot into a profile view.
func ProfileFromSnapshot(latest Snapshot) UserProfile {
	return UserProfile{
		UserID:         latest.UserID,
		Fields:         CloneFields(latest.Fields),
		CurrentVersion: latest.Version,
		IsDeleted:      latest.IsTombstone(),
		UpdatedAt:      latest.CreatedAt,
	}
}
