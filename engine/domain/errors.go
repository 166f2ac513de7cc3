package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for rejected input and failed writes.
var (
	ErrMissingIdentity           = errors.New("missing identity")
	ErrDuplicateIdentity         = errors.New("duplicate identity")
	ErrUnsupportedAttributeValue = errors.New("unsupported attribute value")
	ErrDanglingReference         = errors.New("dangling relationship reference")
	ErrSelfRelationship          = errors.New("self relationship")
	ErrUnknownRelationshipType   = errors.New("unknown relationship type")
	ErrHierarchyViolation        = errors.New("hierarchy violation")

	ErrTransientWrite   = errors.New("transient write failure")
	ErrSchemaConflict   = errors.New("schema conflict")
	ErrBatchCommit      = errors.New("batch commit failure")
	ErrConnectivityLost = errors.New("database connectivity lost")
)

// AnomalyKind is the reason code recorded in the anomaly log.
type AnomalyKind string

const (
	KindMissingIdentity    AnomalyKind = "MissingIdentity"
	KindDuplicateIdentity  AnomalyKind = "DuplicateIdentity"
	KindUnsupportedValue   AnomalyKind = "UnsupportedAttributeValue"
	KindDanglingReference  AnomalyKind = "DanglingRelationshipReference"
	KindSelfRelationship   AnomalyKind = "InvalidSelfRelationship"
	KindUnknownRelType     AnomalyKind = "UnknownRelationshipType"
	KindHierarchyViolation AnomalyKind = "HierarchyViolation"
	KindBatchCommitFailure AnomalyKind = "BatchCommitFailure"
)

var kindErrors = map[AnomalyKind]error{
	KindMissingIdentity:    ErrMissingIdentity,
	KindDuplicateIdentity:  ErrDuplicateIdentity,
	KindUnsupportedValue:   ErrUnsupportedAttributeValue,
	KindDanglingReference:  ErrDanglingReference,
	KindSelfRelationship:   ErrSelfRelationship,
	KindUnknownRelType:     ErrUnknownRelationshipType,
	KindHierarchyViolation: ErrHierarchyViolation,
	KindBatchCommitFailure: ErrBatchCommit,
}

// Anomaly is a recoverable, per-item rejection. It wraps the sentinel of its
// kind so callers can match with errors.Is.
type Anomaly struct {
	Kind    AnomalyKind
	ID      string // entity id, fact key or batch id
	Detail  string
	Wrapped error
}

func (e *Anomaly) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("anomaly: %s: %s", e.Wrapped, e.Detail)
	}
	return fmt.Sprintf("anomaly: %s: %s (id=%q)", e.Wrapped, e.Detail, e.ID)
}

func (e *Anomaly) Unwrap() error { return e.Wrapped }

// NewAnomaly creates an Anomaly of the given kind.
func NewAnomaly(kind AnomalyKind, id, detail string) *Anomaly {
	wrapped, ok := kindErrors[kind]
	if !ok {
		wrapped = errors.New(string(kind))
	}
	return &Anomaly{Kind: kind, ID: id, Detail: detail, Wrapped: wrapped}
}

// AsAnomaly extracts an *Anomaly from err.
func AsAnomaly(err error) (*Anomaly, bool) {
	var a *Anomaly
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}

// BatchError reports a batch that could not be committed. It matches both
// ErrBatchCommit and the underlying cause.
type BatchError struct {
	BatchID  string
	Phase    string
	Attempts int
	Wrapped  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s (%s) failed after %d attempt(s): %v", e.BatchID, e.Phase, e.Attempts, e.Wrapped)
}

func (e *BatchError) Unwrap() []error { return []error{ErrBatchCommit, e.Wrapped} }
