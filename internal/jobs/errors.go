package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job/batch operations, checkable with errors.Is().
var (
	ErrJobNotFound            = errors.New("job not found")
	ErrJobNotSelectable       = errors.New("job is not in a selectable state")
	ErrJobNotRunning          = errors.New("job is not running")
	ErrJobNotTerminal         = errors.New("job is not terminal")
	ErrInvalidReorder         = errors.New("reorder produced a duplicate queue position")
	ErrBatchNotFound          = errors.New("batch not found")
	ErrBatchHasActiveChildren = errors.New("batch has non-terminal children")
)

func jobNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func jobNotSelectableError(id string, status Status) error {
	return fmt.Errorf("%w (status: %s): %s", ErrJobNotSelectable, status, id)
}

func jobNotTerminalError(id string, status Status) error {
	return fmt.Errorf("%w (status: %s): %s", ErrJobNotTerminal, status, id)
}

func batchNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
}

func batchHasActiveChildrenError(id string) error {
	return fmt.Errorf("%w: %s", ErrBatchHasActiveChildren, id)
}
