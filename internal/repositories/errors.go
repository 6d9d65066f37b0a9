package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check with errors.Is:
//
//	job, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint or a monotonicity invariant (e.g. a backward job transition).
var ErrConflict = errors.New("record already exists or transition rejected")
