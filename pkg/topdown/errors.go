package topdown

import (
	"errors"
	"fmt"

	"github.com/subnetlabs/subnetd/pkg/types"
)

var (
	// ErrParentReorg is raised by the syncer when a fetched header does
	// not chain from the previous cache entry.
	ErrParentReorg = errors.New("parent chain reorg detected")

	// ErrParentUnreachable wraps transient parent proxy failures.
	ErrParentUnreachable = errors.New("parent unreachable")

	// ErrProviderDisabled is returned by view queries on a toggled-off
	// provider.
	ErrProviderDisabled = errors.New("parent finality provider is disabled")
)

// NonSequentialError rejects a cache append whose height does not
// directly follow the latest entry.
type NonSequentialError struct {
	Expected types.BlockHeight
	Got      types.BlockHeight
}

func (e *NonSequentialError) Error() string {
	return fmt.Sprintf("non-sequential parent view insert: expecting %d, got %d", e.Expected, e.Got)
}

type CannotQueryParentError struct {
	Height types.BlockHeight
	Err    error
}

func (e *CannotQueryParentError) Error() string {
	return fmt.Sprintf("cannot query parent at height %d: %v", e.Height, e.Err)
}

func (e *CannotQueryParentError) Unwrap() error { return ErrParentUnreachable }
