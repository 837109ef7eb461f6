package microstructure

import "sort"

// Configuration is the engine-facing record of one model fit: which engine
// model to build and the keyword options to build it with. It is immutable;
// accessors hand out copies.
type Configuration struct {
	engine  string
	variant string
	options map[string]any
}

func newConfiguration(engine, variant string, options map[string]any) Configuration {
	c := Configuration{engine: engine, variant: variant, options: make(map[string]any, len(options))}
	for k, v := range options {
		c.options[k] = v
	}
	return c
}

// Engine names the engine-side model, e.g. "dipy.reconst.mapmri.MapmriModel".
func (c Configuration) Engine() string { return c.engine }

// Variant is the selected variant token, empty for single-variant models.
func (c Configuration) Variant() string { return c.variant }

// Options returns a copy of the engine keyword options.
func (c Configuration) Options() map[string]any {
	out := make(map[string]any, len(c.options))
	for k, v := range c.options {
		out[k] = v
	}
	return out
}

// Option returns one engine option.
func (c Configuration) Option(name string) (any, bool) {
	v, ok := c.options[name]
	return v, ok
}

// OptionNames lists option keys in sorted order.
func (c Configuration) OptionNames() []string {
	names := make([]string, 0, len(c.options))
	for k := range c.options {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
