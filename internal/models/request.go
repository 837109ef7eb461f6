package models

import (
	"path/filepath"
	"sort"
)

// RunRequest holds the inputs of one runner invocation.
// It is built once by NewRunRequest and passed by value afterwards.
type RunRequest struct {
	// Model is the runner key, e.g. "mapmri"
	Model string

	// SubjectDir is the absolute subject directory all inputs are resolved against
	SubjectDir string

	// DWI, Mask are resolved volume paths
	DWI  string
	Mask string

	// Bval, Bvec are resolved FSL acquisition files; empty when Scheme is set
	Bval string
	Bvec string

	// Scheme is a resolved raw scheme table path (QTDMRI alternate form)
	Scheme string

	// Variant is the MAP-MRI model token
	Variant string

	params  map[string]float64
	options map[string]string
}

// RequestFiles groups the raw (unresolved) file names of a request
type RequestFiles struct {
	DWI, Mask, Bval, Bvec, Scheme string
}

// NewRunRequest resolves every file against the subject directory and
// copies the parameter maps so later edits by the caller do not leak in
func NewRunRequest(model, subjectDir string, files RequestFiles, variant string, params map[string]float64, options map[string]string) RunRequest {
	if abs, err := filepath.Abs(subjectDir); err == nil {
		subjectDir = abs
	}
	req := RunRequest{
		Model:      model,
		SubjectDir: subjectDir,
		DWI:        ResolvePath(subjectDir, files.DWI),
		Mask:       ResolvePath(subjectDir, files.Mask),
		Variant:    variant,
		params:     make(map[string]float64, len(params)),
		options:    make(map[string]string, len(options)),
	}
	if files.Scheme != "" {
		req.Scheme = ResolvePath(subjectDir, files.Scheme)
	} else {
		req.Bval = ResolvePath(subjectDir, files.Bval)
		req.Bvec = ResolvePath(subjectDir, files.Bvec)
	}
	for k, v := range params {
		req.params[k] = v
	}
	for k, v := range options {
		req.options[k] = v
	}
	return req
}

// ResolvePath joins a relative name to the subject directory.
// Absolute names pass through untouched.
func ResolvePath(subjectDir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(subjectDir, name)
}

// Param returns the named hyperparameter or def when it was not supplied
func (r RunRequest) Param(name string, def float64) float64 {
	if v, ok := r.params[name]; ok {
		return v
	}
	return def
}

// HasParam reports whether the named hyperparameter was supplied
func (r RunRequest) HasParam(name string) bool {
	_, ok := r.params[name]
	return ok
}

// Option returns the named string option
func (r RunRequest) Option(name string) (string, bool) {
	v, ok := r.options[name]
	return v, ok
}

// ParamNames lists the supplied hyperparameters in sorted order
func (r RunRequest) ParamNames() []string {
	names := make([]string, 0, len(r.params))
	for k := range r.params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RawScheme reports whether the acquisition comes from a raw scheme table
func (r RunRequest) RawScheme() bool {
	return r.Scheme != ""
}
