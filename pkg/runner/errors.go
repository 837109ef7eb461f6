package runner

import (
	"errors"
	"fmt"
)

// ErrDivisionByZero is returned when a cortex normalisation has no voxels to
// average or the average is zero.
var ErrDivisionByZero = errors.New("division by zero in cortex normalisation")

// StageError records the stage a run was working towards when it failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IOError is a failure reading inputs or writing outputs.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
