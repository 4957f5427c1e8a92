package repository

import "errors"

var (
	// ErrRelationMissing indicates a queried table or rollup view does not exist
	// or lacks an expected column.
	ErrRelationMissing = errors.New("repository: relation missing")
	// ErrInvalidArgument indicates the store rejected a value on a constraint.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
