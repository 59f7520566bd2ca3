package poller

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed topologies/*.yaml
var builtinTopologies embed.FS

// FetchKind tells how a child fetch contributes to the result
type FetchKind string

const (
	KindList   FetchKind = "list"   // rows appended under the output key
	KindAttach FetchKind = "attach" // single value merged into the parent row
)

// RequestTemplate describes one request. String values may reference
// ${account_id}, ${campaign_id}, ${start_date}, ${end_date}, ${page} and ${size}.
type RequestTemplate struct {
	Method string            `yaml:"method"`
	Path   string            `yaml:"path"`
	Params map[string]string `yaml:"params"`
	Body   map[string]any    `yaml:"body"`
}

// FetchSpec is a serializable fetch descriptor referencing registry functions by name
type FetchSpec struct {
	Type        string          `yaml:"type"`
	Kind        FetchKind       `yaml:"kind"`
	Request     RequestTemplate `yaml:"request"`
	Paginated   bool            `yaml:"paginated"`
	EnvelopeKey string          `yaml:"envelope_key"`
	Extractor   string          `yaml:"extractor"`
	Formatter   string          `yaml:"formatter"`
	OutputKey   string          `yaml:"output_key"`
	AttachField string          `yaml:"attach_field"`
	AttachFrom  string          `yaml:"attach_from"`
}

// EntityGroup is a primary entity list and the per-entity child fetches
type EntityGroup struct {
	Name     string      `yaml:"name"`
	Primary  FetchSpec   `yaml:"primary"`
	Children []FetchSpec `yaml:"children"`
}

// Topology is the ordered list of entity groups walked for every token
type Topology struct {
	Name   string        `yaml:"name"`
	Groups []EntityGroup `yaml:"groups"`
}

// Group returns the group named name and its position
func (t Topology) Group(name string) (EntityGroup, int, bool) {
	for i, g := range t.Groups {
		if g.Name == name {
			return g, i, true
		}
	}
	return EntityGroup{}, -1, false
}

// OutputKeys lists every output key in declaration order
func (t Topology) OutputKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, g := range t.Groups {
		add(g.Primary.OutputKey)
		for _, c := range g.Children {
			if c.Kind == KindList {
				add(c.OutputKey)
			}
		}
	}
	return keys
}

// BuiltinTopology loads one of the embedded topologies ("structure", "attribution")
func BuiltinTopology(name string, reg *Registry) (Topology, error) {
	data, err := builtinTopologies.ReadFile("topologies/" + name + ".yaml")
	if err != nil {
		return Topology{}, fmt.Errorf("%w: no builtin topology %q", ErrInvalidTopology, name)
	}
	return LoadTopology(bytes.NewReader(data), reg)
}

// LoadTopologyFile reads a topology from a YAML file
func LoadTopologyFile(path string, reg *Registry) (Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return Topology{}, fmt.Errorf("opening topology: %w", err)
	}
	defer f.Close()
	return LoadTopology(f, reg)
}

// LoadTopology decodes a YAML topology and validates it against reg
func LoadTopology(r io.Reader, reg *Registry) (Topology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var t Topology
	if err := dec.Decode(&t); err != nil {
		return Topology{}, fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}
	return t.Normalize(reg)
}

// Normalize fills defaults, drops duplicate child types (first wins) and
// validates names against reg. The receiver is left untouched.
func (t Topology) Normalize(reg *Registry) (Topology, error) {
	if len(t.Groups) == 0 {
		return Topology{}, fmt.Errorf("%w: no groups", ErrInvalidTopology)
	}

	out := Topology{Name: t.Name, Groups: make([]EntityGroup, 0, len(t.Groups))}
	names := make(map[string]bool)
	var errs []error

	for gi, g := range t.Groups {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("group %d: empty name", gi))
			continue
		}
		if names[g.Name] {
			errs = append(errs, fmt.Errorf("group %q: duplicate name", g.Name))
			continue
		}
		names[g.Name] = true

		primary, err := normalizeSpec(g.Primary, reg, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %q primary: %w", g.Name, err))
		}

		seen := make(map[string]bool)
		children := make([]FetchSpec, 0, len(g.Children))
		for _, c := range g.Children {
			if seen[c.Type] {
				continue
			}
			seen[c.Type] = true

			spec, err := normalizeSpec(c, reg, false)
			if err != nil {
				errs = append(errs, fmt.Errorf("group %q child %q: %w", g.Name, c.Type, err))
				continue
			}
			children = append(children, spec)
		}

		out.Groups = append(out.Groups, EntityGroup{Name: g.Name, Primary: primary, Children: children})
	}

	if err := errors.Join(errs...); err != nil {
		return Topology{}, fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}
	return out, nil
}

func normalizeSpec(s FetchSpec, reg *Registry, primary bool) (FetchSpec, error) {
	if s.Kind == "" {
		s.Kind = KindList
	}
	if s.Request.Method == "" {
		s.Request.Method = "POST"
	}
	s.Request.Method = strings.ToUpper(s.Request.Method)
	if s.Extractor == "" {
		s.Extractor = "data"
	}
	if s.Formatter == "" {
		s.Formatter = "identity"
	}
	if primary {
		if s.Type == "" {
			s.Type = "Campaigns"
		}
		if s.OutputKey == "" {
			s.OutputKey = "campaigns"
		}
	}

	switch {
	case s.Request.Path == "":
		return s, errors.New("empty request path")
	case !primary && s.Type == "":
		return s, errors.New("empty type")
	case s.Kind != KindList && s.Kind != KindAttach:
		return s, fmt.Errorf("unknown kind %q", s.Kind)
	case primary && s.Kind != KindList:
		return s, errors.New("primary fetch must be a list")
	case s.Kind == KindList && s.OutputKey == "":
		return s, errors.New("list fetch needs an output key")
	case s.Kind == KindAttach && s.AttachField == "":
		return s, errors.New("attach fetch needs an attach field")
	}

	if _, err := reg.Extractor(s.Extractor); err != nil {
		return s, err
	}
	if _, err := reg.Formatter(s.Formatter); err != nil {
		return s, err
	}
	return s, nil
}

// templateVars are the values substituted into a request template
type templateVars struct {
	AccountID  string
	CampaignID string
	Window     Window
	Page       int
	Size       int
}

func (v templateVars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"${account_id}", v.AccountID,
		"${campaign_id}", v.CampaignID,
		"${start_date}", v.Window.Start,
		"${end_date}", v.Window.End,
		"${page}", strconv.Itoa(v.Page),
		"${size}", strconv.Itoa(v.Size),
	)
}

func renderValue(v any, r *strings.Replacer) any {
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = renderValue(e, r)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = renderValue(e, r)
		}
		return out
	default:
		return v
	}
}
