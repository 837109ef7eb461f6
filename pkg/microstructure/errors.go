package microstructure

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned for a runner key outside the catalogue.
var ErrUnknownModel = errors.New("unknown microstructure model")

// ConfigurationError reports a model configuration that cannot be built,
// e.g. an unrecognised MAP-MRI variant token.
type ConfigurationError struct {
	Model  string
	Token  string
	Valid  []string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", e.Model)
	if e.Reason != "" {
		b.WriteString(e.Reason)
	} else {
		fmt.Fprintf(&b, "unsupported model %q", e.Token)
	}
	if len(e.Valid) > 0 {
		fmt.Fprintf(&b, " (valid: %s)", strings.Join(e.Valid, ", "))
	}
	return b.String()
}
