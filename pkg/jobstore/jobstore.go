// Package jobstore persists job status records. All writes after
// creation go through an optimistic compare-and-set update so that
// concurrent workers never clobber each other's progress.
package jobstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/menta2k/debris-scan/pkg/types"
)

// Errors reported by stores.
var (
	ErrNotFound      = errors.New("job not found")
	ErrExists        = errors.New("job already exists")
	ErrBadTransition = errors.New("job status cannot move backwards")
)

// maxCASAttempts bounds how often Update reloads and retries after
// losing a write race.
const maxCASAttempts = 10

// Store persists job records. Update applies mutate to a private copy
// of the current record and commits it only if no concurrent write
// happened in between, reloading and retrying otherwise. A status
// change the state machine forbids aborts with ErrBadTransition.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, rec *types.JobRecord) error
	Get(ctx context.Context, id string) (*types.JobRecord, error)
	Update(ctx context.Context, id string, mutate func(*types.JobRecord) error) (*types.JobRecord, error)
	List(ctx context.Context) ([]*types.JobRecord, error)
	Close(ctx context.Context) error
}

// checkTransition validates a mutation against the job state machine.
func checkTransition(old, next *types.JobRecord) error {
	if next.ID != old.ID {
		return errors.New("job id is immutable")
	}
	if !old.Status.CanTransition(next.Status) {
		return errors.Wrapf(ErrBadTransition, "%s -> %s", old.Status, next.Status)
	}
	return nil
}
