package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	id, err := players.GetIDByUsername(ctx, username)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    materialize the player lazily
//	}
var ErrNotFound = errors.New("record not found")

// ErrBadScope is returned when a job's scope document is missing required
// fields (a games job without an archive URL, any job without a resolvable
// username). It marks a permanent failure: retrying cannot repair a scope.
var ErrBadScope = errors.New("job scope missing required fields")
