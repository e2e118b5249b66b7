package filtergraph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Param is a single filter option. An empty Key renders a positional value.
type Param struct {
	Key   string
	Value string
}

// Filter is one FFmpeg filter with ordered parameters
type Filter struct {
	Name   string
	Params []Param
}

// New creates a filter from alternating key/value pairs
func New(name string, kv ...string) Filter {
	f := Filter{Name: name}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Params = append(f.Params, Param{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Positional creates a filter whose parameters are rendered without keys
func Positional(name string, values ...string) Filter {
	f := Filter{Name: name}
	for _, v := range values {
		f.Params = append(f.Params, Param{Value: v})
	}
	return f
}

// Param returns the value of a keyed parameter
func (f Filter) Param(key string) (string, bool) {
	for _, p := range f.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (f Filter) String() string {
	if len(f.Params) == 0 {
		return f.Name
	}
	parts := make([]string, len(f.Params))
	for i, p := range f.Params {
		if p.Key == "" {
			parts[i] = p.Value
		} else {
			parts[i] = p.Key + "=" + p.Value
		}
	}
	return f.Name + "=" + strings.Join(parts, ":")
}

// Chain is a linear run of filters from a set of input labels to a set of output labels.
// A chain with no filters renders the video "null" passthrough.
type Chain struct {
	Inputs  []string
	Filters []Filter
	Outputs []string
}

// Kinds of the filters in the chain, in order
func (c Chain) Kinds() []string {
	kinds := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		kinds[i] = f.Name
	}
	return kinds
}

// Has reports whether the chain contains a filter with the given name
func (c Chain) Has(name string) bool {
	for _, f := range c.Filters {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Find returns the first filter with the given name
func (c Chain) Find(name string) (Filter, bool) {
	for _, f := range c.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return Filter{}, false
}

func (c Chain) String() string {
	var b strings.Builder
	for _, in := range c.Inputs {
		b.WriteString("[" + in + "]")
	}
	if len(c.Filters) == 0 {
		b.WriteString("null")
	}
	for i, f := range c.Filters {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(f.String())
	}
	for _, out := range c.Outputs {
		b.WriteString("[" + out + "]")
	}
	return b.String()
}

// Graph is an ordered list of chains connected by labels
type Graph struct {
	chains []Chain
}

// Add appends a chain to the graph
func (g *Graph) Add(c Chain) {
	g.chains = append(g.chains, c)
}

// Chains returns the chains in emission order
func (g *Graph) Chains() []Chain {
	out := make([]Chain, len(g.chains))
	copy(out, g.chains)
	return out
}

// Len returns the number of chains
func (g *Graph) Len() int {
	return len(g.chains)
}

// Count returns how many chains contain the named filter
func (g *Graph) Count(name string) int {
	n := 0
	for _, c := range g.chains {
		if c.Has(name) {
			n++
		}
	}
	return n
}

// Producer returns the chain that produces the given label
func (g *Graph) Producer(label string) (Chain, bool) {
	for _, c := range g.chains {
		for _, out := range c.Outputs {
			if out == label {
				return c, true
			}
		}
	}
	return Chain{}, false
}

// Consumers returns the chains that read the given label
func (g *Graph) Consumers(label string) []Chain {
	var out []Chain
	for _, c := range g.chains {
		for _, in := range c.Inputs {
			if in == label {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Final returns the output label of the last chain
func (g *Graph) Final() string {
	if len(g.chains) == 0 {
		return ""
	}
	outs := g.chains[len(g.chains)-1].Outputs
	if len(outs) == 0 {
		return ""
	}
	return outs[len(outs)-1]
}

// String joins all chains with the FFmpeg chain separator
func (g *Graph) String() string {
	parts := make([]string, len(g.chains))
	for i, c := range g.chains {
		parts[i] = c.String()
	}
	return strings.Join(parts, ";")
}

var streamSpec = regexp.MustCompile(`^(\d+):([va])(?::\d+)?$`)

// StreamRef returns the input stream specifier for input index i
func StreamRef(i int, kind string) string {
	return strconv.Itoa(i) + ":" + kind
}

// Validate checks the graph is a DAG without forward references.
// Stream specifiers must address one of numInputs inputs, every label
// must be produced exactly once before it is read, and every
// intermediate label is consumed exactly once. The output label of the
// last chain must equal final.
func (g *Graph) Validate(numInputs int, final string) error {
	if len(g.chains) == 0 {
		return fmt.Errorf("filter graph is empty")
	}

	produced := make(map[string]bool)
	consumed := make(map[string]int)

	for i, c := range g.chains {
		if len(c.Outputs) == 0 {
			return fmt.Errorf("chain %d has no output label", i)
		}
		for _, in := range c.Inputs {
			if m := streamSpec.FindStringSubmatch(in); m != nil {
				idx, _ := strconv.Atoi(m[1])
				if idx >= numInputs {
					return fmt.Errorf("chain %d references input %d but only %d inputs are bound", i, idx, numInputs)
				}
				continue
			}
			if !produced[in] {
				return fmt.Errorf("chain %d reads label %q before it is produced", i, in)
			}
			consumed[in]++
			if consumed[in] > 1 {
				return fmt.Errorf("label %q is consumed more than once", in)
			}
		}
		for _, out := range c.Outputs {
			if produced[out] {
				return fmt.Errorf("label %q is produced more than once", out)
			}
			produced[out] = true
		}
	}

	if got := g.Final(); got != final {
		return fmt.Errorf("final label is %q, expected %q", got, final)
	}

	for label := range produced {
		if label != final && consumed[label] == 0 {
			return fmt.Errorf("label %q is produced but never consumed", label)
		}
	}

	return nil
}
