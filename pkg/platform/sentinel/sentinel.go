package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and lockers return these
// (optionally wrapped) so services can translate them into domain errors.
//
// - ErrConflict: write collided with an existing record
// - ErrLockHeld: a distributed lock is owned by another holder
var (
	ErrConflict = errors.New("conflict")
	ErrLockHeld = errors.New("lock held")
)
