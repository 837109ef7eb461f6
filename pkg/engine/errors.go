package engine

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is reported when the acquisition and the DWI disagree
// on the number of measurements.
var ErrDimensionMismatch = errors.New("acquisition does not match dwi volumes")

// ErrEngineUnavailable is reported when the engine process cannot be started.
var ErrEngineUnavailable = errors.New("engine unavailable")

// FittingError carries an engine failure verbatim.
type FittingError struct {
	Model   string
	Message string
	Err     error
}

func (e *FittingError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("fitting %s: %v", e.Model, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("fitting %s: %s: %v", e.Model, e.Message, e.Err)
	}
	return fmt.Sprintf("fitting %s: %s", e.Model, e.Message)
}

func (e *FittingError) Unwrap() error { return e.Err }
