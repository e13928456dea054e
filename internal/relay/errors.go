package relay

import (
	"errors"
	"fmt"

	"secure-file-relay/internal/storage"
)

var (
	// ErrInvalidRequest reports missing or blank input. No remote call is
	// made when it is returned.
	ErrInvalidRequest = errors.New("relay: invalid request")
	// ErrLinkGeneration is the storage sentinel, re-exported so callers of
	// the relay need not import storage to match it.
	ErrLinkGeneration = storage.ErrLinkGeneration
	// ErrPurge matches every *PurgeError.
	ErrPurge = errors.New("relay: purge failed")
	// ErrStreamRead reports a failure reading the source of a copy.
	ErrStreamRead = errors.New("relay: stream read failed")
	// ErrStreamWrite reports a failure writing to the destination of a copy.
	ErrStreamWrite = errors.New("relay: stream write failed")
)

// Store steps after which a failure leaves an orphaned object behind.
const (
	StepLink     = "link"
	StepMetadata = "metadata"
)

// OrphanError is returned by Store when the object was uploaded but a later
// step failed. The object is left in place and ObjectID names it.
type OrphanError struct {
	ObjectID string
	Step     string
	Err      error
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("relay: object %s orphaned at %s step: %v", e.ObjectID, e.Step, e.Err)
}

func (e *OrphanError) Unwrap() error { return e.Err }

// PurgeError carries the failures of both Purge steps. Either field may be
// nil, but not both.
type PurgeError struct {
	ObjectID string
	Metadata error
	Storage  error
}

func (e *PurgeError) Error() string {
	msg := "relay: purge " + e.ObjectID + ":"
	if e.Metadata != nil {
		msg += " metadata: " + e.Metadata.Error() + ";"
	}
	if e.Storage != nil {
		msg += " storage: " + e.Storage.Error() + ";"
	}
	return msg[:len(msg)-1]
}

func (e *PurgeError) Unwrap() []error {
	errs := []error{ErrPurge}
	if e.Metadata != nil {
		errs = append(errs, e.Metadata)
	}
	if e.Storage != nil {
		errs = append(errs, e.Storage)
	}
	return errs
}
