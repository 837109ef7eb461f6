package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/microstructure"
)

// Version is printed by -v / --version.
const Version = "1.0"

// errVersion reports that the version was requested.
var errVersion = errors.New("version requested")

// UsageError is a malformed command line. It maps to exit code 2.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// floatFlag records whether it was set so optional parameters without a
// default can be told apart from zero.
type floatFlag struct {
	value float64
	set   bool
}

func (f *floatFlag) String() string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(f.value, 'g', -1, 64)
}

func (f *floatFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	f.value, f.set = v, true
	return nil
}

// invocation is a parsed command line.
type invocation struct {
	positionals []string
	params      map[string]*floatFlag
	strings     map[string]*string
	variant     *string
	configPath  string
	logLevel    string
	qc          bool
	version     bool
}

// command builds the flag set for one model.
type command struct {
	name string
	desc microstructure.Descriptor
	fs   *flag.FlagSet
	inv  *invocation
}

func newCommand(name string, d microstructure.Descriptor) *command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	inv := &invocation{
		params:  make(map[string]*floatFlag, len(d.Params)),
		strings: make(map[string]*string, len(d.Strings)),
	}
	if d.Variants {
		inv.variant = fs.String("model", microstructure.DefaultMAPMRIVariant,
			"MAP-MRI variant, one of "+strings.Join(microstructure.MAPMRIVariants, ", ")+".")
	}
	for _, p := range d.Params {
		f := &floatFlag{}
		if !p.Optional {
			f.value = p.Default
		}
		inv.params[p.Name] = f
		fs.Var(f, p.Name, p.Usage)
	}
	for _, s := range d.Strings {
		inv.strings[s.Name] = fs.String(s.Name, "", s.Usage)
	}

	fs.StringVar(&inv.configPath, "config", "", "YAML configuration file.")
	fs.StringVar(&inv.logLevel, "log_level", "", "log level: debug, info, warn, error.")
	fs.BoolVar(&inv.qc, "qc", false, "write mid-slice PNG previews of every map.")
	fs.BoolVar(&inv.version, "v", false, "print the version and exit.")
	fs.BoolVar(&inv.version, "version", false, "print the version and exit.")

	return &command{name: name, desc: d, fs: fs, inv: inv}
}

// parse reads args, allowing options before, between and after positionals.
func (c *command) parse(args []string) (*invocation, error) {
	rest := args
	for {
		if err := c.fs.Parse(rest); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, usagef("%v", err)
		}
		remaining := c.fs.Args()
		consumed := len(rest) - len(remaining)
		if consumed > 0 && rest[consumed-1] == "--" {
			c.inv.positionals = append(c.inv.positionals, remaining...)
			break
		}
		if len(remaining) == 0 {
			break
		}
		c.inv.positionals = append(c.inv.positionals, remaining[0])
		rest = remaining[1:]
	}

	if c.inv.version {
		return nil, errVersion
	}

	n := len(c.inv.positionals)
	switch {
	case n == 5:
	case n == 4 && c.desc.RawScheme:
	default:
		return nil, usagef("expected %s, got %d positional arguments", c.positionalNames(), n)
	}
	return c.inv, nil
}

func (c *command) positionalNames() string {
	names := "subjectDirectory dwiFile bvalFile bvecFile maskFile"
	if c.desc.RawScheme {
		names += " (or subjectDirectory dwiFile schemeFile maskFile)"
	}
	return names
}

// request builds the run request from a parsed invocation.
func (inv *invocation) request(d microstructure.Descriptor) models.RunRequest {
	p := inv.positionals
	files := models.RequestFiles{DWI: p[1]}
	if len(p) == 4 {
		files.Scheme = p[2]
		files.Mask = p[3]
	} else {
		files.Bval = p[2]
		files.Bvec = p[3]
		files.Mask = p[4]
	}

	params := make(map[string]float64, len(inv.params))
	for name, f := range inv.params {
		if f.set || !isOptional(d, name) {
			params[name] = f.value
		}
	}
	options := make(map[string]string, len(inv.strings))
	for name, v := range inv.strings {
		if *v != "" {
			options[name] = *v
		}
	}
	variant := ""
	if inv.variant != nil {
		variant = *inv.variant
	}
	return models.NewRunRequest(d.Key, p[0], files, variant, params, options)
}

func isOptional(d microstructure.Descriptor, name string) bool {
	for _, p := range d.Params {
		if p.Name == name {
			return p.Optional
		}
	}
	return false
}

// usage writes the command synopsis and its flags.
func (c *command) usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [options] subjectDirectory dwiFile bvalFile bvecFile maskFile\n", c.name)
	if c.desc.RawScheme {
		fmt.Fprintf(w, "       %s [options] subjectDirectory dwiFile schemeFile maskFile\n", c.name)
	}
	fmt.Fprintf(w, "\nFit the %s model. Relative file names are resolved against subjectDirectory.\n\noptions:\n", c.desc.Name)
	c.fs.SetOutput(w)
	c.fs.PrintDefaults()
	c.fs.SetOutput(io.Discard)
}
