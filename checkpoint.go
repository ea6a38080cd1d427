package streamindex

import (
	"fmt"
)

// NoCheckpoint marks a watermark that has never been set.
const NoCheckpoint int64 = -1

// Checkpoints are the two log watermarks recorded with the index map.
// Commit is how far committed records are indexed; Prepare is how far
// written records are indexed, committed or not.
type Checkpoints struct {
	Prepare int64
	Commit  int64
}

// NoCheckpoints is the state of an index that has indexed nothing.
var NoCheckpoints = Checkpoints{Prepare: NoCheckpoint, Commit: NoCheckpoint}

// IsSet reports whether anything has been indexed.
func (c Checkpoints) IsSet() bool {
	return c.Prepare != NoCheckpoint || c.Commit != NoCheckpoint
}

// Validate checks the pair on its own: both at least -1 and prepare >= commit.
func (c Checkpoints) Validate() error {
	if c.Prepare < NoCheckpoint || c.Commit < NoCheckpoint {
		return fmt.Errorf("%w: prepare %d, commit %d below %d", ErrInvalidCheckpoint, c.Prepare, c.Commit, NoCheckpoint)
	}
	if c.Prepare < c.Commit {
		return fmt.Errorf("%w: prepare %d < commit %d", ErrInvalidCheckpoint, c.Prepare, c.Commit)
	}
	return nil
}

// Advance returns next if it is a valid successor of c: valid on its own
// and neither watermark moving backwards.
func (c Checkpoints) Advance(next Checkpoints) (Checkpoints, error) {
	if err := next.Validate(); err != nil {
		return c, err
	}
	if next.Prepare < c.Prepare {
		return c, fmt.Errorf("%w: prepare regresses from %d to %d", ErrInvalidCheckpoint, c.Prepare, next.Prepare)
	}
	if next.Commit < c.Commit {
		return c, fmt.Errorf("%w: commit regresses from %d to %d", ErrInvalidCheckpoint, c.Commit, next.Commit)
	}
	return next, nil
}

func (c Checkpoints) String() string {
	return fmt.Sprintf("prepare=%d commit=%d", c.Prepare, c.Commit)
}
