package poller

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Extractor pulls the row list out of an unpaginated response
type Extractor func(v any) ([]Row, error)

// Formatter turns one raw row into an output row. It must not perform I/O.
type Formatter func(row Row, fc FormatContext) Row

// FormatContext is what a formatter may read besides the row itself
type FormatContext struct {
	StoreKey  string
	Group     string
	CreatedOn string
	Campaign  Row // formatted parent row; nil for primary rows
	Run       RunContext
}

// Registry maps the names used in a topology to functions
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	formatters map[string]Formatter
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]Extractor),
		formatters: make(map[string]Formatter),
	}
}

// DefaultRegistry returns a registry with every builtin extractor and formatter
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterExtractor("data", keyExtractor("data"))
	r.RegisterExtractor("unformatted", keyExtractor("unformattedData"))
	r.RegisterExtractor("items", itemsExtractor)

	r.RegisterFormatter("identity", func(row Row, _ FormatContext) Row { return row })
	r.RegisterFormatter("campaign", formatCampaign)
	r.RegisterFormatter("product", formatProduct)
	r.RegisterFormatter("keyword", formatKeyword)
	r.RegisterFormatter("category", formatCategory)
	r.RegisterFormatter("slot", formatSlot)
	r.RegisterFormatter("campaign_attribution", formatCampaignAttribution)
	r.RegisterFormatter("product_attribution", formatProductAttribution)
	r.RegisterFormatter("keyword_attribution", formatKeywordAttribution)
	r.RegisterFormatter("category_attribution", formatCategoryAttribution)
	r.RegisterFormatter("slot_attribution", formatSlotAttribution)

	return r
}

// RegisterExtractor adds or replaces an extractor
func (r *Registry) RegisterExtractor(name string, fn Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[name] = fn
}

// RegisterFormatter adds or replaces a formatter
func (r *Registry) RegisterFormatter(name string, fn Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[name] = fn
}

// Extractor looks up an extractor by name
func (r *Registry) Extractor(name string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.extractors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtractor, name)
	}
	return fn, nil
}

// Formatter looks up a formatter by name
func (r *Registry) Formatter(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.formatters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormatter, name)
	}
	return fn, nil
}

// keyExtractor reads an array under key; a bare array is taken as is
func keyExtractor(key string) Extractor {
	return func(v any) ([]Row, error) {
		switch val := v.(type) {
		case nil:
			return nil, nil
		case []any:
			return toRows(val)
		case map[string]any:
			inner, ok := val[key]
			if !ok || inner == nil {
				return nil, nil
			}
			arr, ok := inner.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q is %T, want array", ErrMalformedResponse, key, inner)
			}
			return toRows(arr)
		default:
			return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedResponse, v)
		}
	}
}

func itemsExtractor(v any) ([]Row, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %T, want array", ErrMalformedResponse, v)
	}
	return toRows(arr)
}

func toRows(arr []any) ([]Row, error) {
	rows := make([]Row, 0, len(arr))
	for i, e := range arr {
		row, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T, want object", ErrMalformedResponse, i, e)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// truthy follows the upstream API's loose notion of "present"
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case json.Number:
		f, err := val.Float64()
		return err != nil || f != 0
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

// first returns the first present value among keys, or nil
func first(row Row, keys ...string) any {
	for _, k := range keys {
		if v, ok := row[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func number(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return nil
	case string:
		if f, err := json.Number(val).Float64(); err == nil {
			return f
		}
		return nil
	default:
		return val
	}
}

func orZero(v any) any {
	if !truthy(v) {
		return 0
	}
	return number(v)
}

// campaignID finds the id of a raw or formatted campaign row
func campaignID(row Row) string {
	return str(first(row, "campaign_id", "campaignCode", "id"))
}
