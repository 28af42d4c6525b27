// Package meta defines the metadata record model and the narrow service
// interface the store consumes, together with an embedded bbolt-backed
// implementation for single-node deployments.
package meta

import (
	"context"
	"errors"
)

// Status is the lifecycle state of a metadata record. A record is LOCKED
// only while a write target for it is open, becomes UNLOCKED exactly once
// on close, and DELETED only via an explicit status transition.
type Status int8

const (
	StatusLocked Status = iota
	StatusUnlocked
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusUnlocked:
		return "unlocked"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Record describes one logical stream.
type Record struct {
	ID              int64
	FeedName        string
	TypeName        string // fspath type token, e.g. "RAW_EVENTS"
	ParentID        int64  // 0 when the stream has no parent
	CreateTimeMs    int64
	EffectiveTimeMs int64 // 0 when unset
	StatusTimeMs    int64
	Status          Status
}

// Properties is a create request for a new record.
type Properties struct {
	FeedName        string
	TypeName        string
	ParentID        int64
	CreateTimeMs    int64 // 0 means "now"
	EffectiveTimeMs int64
}

// Criteria is the narrow, pre-built query surface the core uses. Zero
// values mean "no constraint". Results are ordered by ascending id.
type Criteria struct {
	ID     int64
	Status *Status

	// StatusBeforeMs restricts to records whose last status transition is
	// at or before the given time.
	StatusBeforeMs int64

	FeedName string
	TypeName string

	// EffectiveFromMs/EffectiveToMs select records whose effective time
	// falls in the inclusive window. EffectiveToMs of 0 means unbounded
	// when EffectiveFromMs is also 0, otherwise [From, To].
	EffectiveFromMs int64
	EffectiveToMs   int64

	// AfterID and Limit page through large result sets.
	AfterID int64
	Limit   int
}

var (
	ErrRecordNotFound = errors.New("meta record not found")
)

// Service is the metadata collaborator. The store never embeds a query
// language; it calls this interface with narrow criteria.
type Service interface {
	// CreateLocked creates a new record in StatusLocked and returns it.
	CreateLocked(ctx context.Context, props Properties) (*Record, error)
	// Get returns the record with the given id, or ErrRecordNotFound.
	Get(ctx context.Context, id int64) (*Record, error)
	// Find returns records matching the criteria in ascending id order.
	Find(ctx context.Context, c Criteria) ([]Record, error)
	// UpdateStatus transitions a record from one status to another. It
	// returns false without error when the record is not in the expected
	// from status, which makes repeated logical deletes a no-op.
	UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
	// Delete removes the record entirely. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id int64) error
}

// DataVolumes tracks which volumes hold a record's artifact files. A record
// may have zero, one or N associations (one per replica).
type DataVolumes interface {
	AddDataVolume(ctx context.Context, metaID int64, volumeID int) error
	GetDataVolumes(ctx context.Context, metaID int64) ([]int, error)
	DeleteDataVolumes(ctx context.Context, metaID int64) error
	// ListWithDataVolumes pages through records that have at least one
	// volume association, in ascending id order.
	ListWithDataVolumes(ctx context.Context, afterID int64, limit int) ([]Association, error)
}

// Association pairs a record with the volumes that hold its files.
type Association struct {
	Record    Record
	VolumeIDs []int
}
