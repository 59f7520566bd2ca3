package poller

import (
	"cmp"
	"fmt"
	"slices"
)

// Unit is one child fetch of one campaign
type Unit struct {
	CampaignIndex int    `json:"campaign_index"`
	ChildType     string `json:"child_type"`
}

// Checkpoint is the resume point of a token aborted by fatal auth.
// CampaignIndex is the lowest campaign with unfinished work. When ChildType is
// set, that fetch resumes at Page and the caller already holds Fetched rows
// of it. Finished lists completed units at or after CampaignIndex.
type Checkpoint struct {
	Group         string `json:"group"`
	CampaignIndex int    `json:"campaign_index"`
	ChildType     string `json:"child_type,omitempty"`
	Page          int    `json:"page,omitempty"`
	Fetched       int    `json:"fetched,omitempty"`
	Finished      []Unit `json:"finished,omitempty"`
}

// IsFinished reports whether the unit completed before the abort
func (c *Checkpoint) IsFinished(campaignIndex int, childType string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Finished, Unit{CampaignIndex: campaignIndex, ChildType: childType})
}

// cursor returns the start page and prior row count for a unit
func (c *Checkpoint) cursor(campaignIndex int, childType string) (page, prior int) {
	if c == nil || c.CampaignIndex != campaignIndex || c.ChildType != childType {
		return 1, 0
	}
	return max(1, c.Page), c.Fetched
}

func (c Checkpoint) String() string {
	if c.ChildType == "" {
		return fmt.Sprintf("%s#%d", c.Group, c.CampaignIndex)
	}
	return fmt.Sprintf("%s#%d/%s@%d", c.Group, c.CampaignIndex, c.ChildType, c.Page)
}

// accumulator merges the results of successive attempts for one store
type accumulator struct {
	primary  map[string][]Row // group -> primary rows
	children map[string][]Row // output key -> child rows
}

func newAccumulator() *accumulator {
	return &accumulator{
		primary:  make(map[string][]Row),
		children: make(map[string][]Row),
	}
}

// merge folds one attempt in: child rows append, a re-fetched group's primary
// rows replace the previous ones while keeping attached values the new
// attempt did not fetch again.
func (a *accumulator) merge(topo Topology, res TokenRunResult) {
	for group, rows := range res.Primary {
		prev, ok := a.primary[group]
		if ok {
			g, _, _ := topo.Group(group)
			carryAttached(g, prev, rows)
		}
		a.primary[group] = rows
	}
	for key, rows := range res.Rows {
		a.children[key] = append(a.children[key], rows...)
	}
}

// rows returns the merged rows grouped by output key
func (a *accumulator) rows(topo Topology) map[string][]Row {
	out := make(map[string][]Row)
	for _, g := range topo.Groups {
		if rows, ok := a.primary[g.Name]; ok {
			out[g.Primary.OutputKey] = append(out[g.Primary.OutputKey], rows...)
		}
	}
	for key, rows := range a.children {
		out[key] = append(out[key], rows...)
	}
	return out
}

func carryAttached(g EntityGroup, prev, next []Row) {
	var fields []string
	for _, c := range g.Children {
		if c.Kind == KindAttach {
			fields = append(fields, c.AttachField)
		}
	}
	if len(fields) == 0 {
		return
	}

	byID := make(map[string]Row, len(prev))
	for _, r := range prev {
		if id := campaignID(r); id != "" {
			byID[id] = r
		}
	}
	for _, r := range next {
		old, ok := byID[campaignID(r)]
		if !ok {
			continue
		}
		for _, f := range fields {
			if _, has := r[f]; has {
				continue
			}
			if v, ok := old[f]; ok {
				r[f] = v
			}
		}
	}
}

func sortUnits(units []Unit) {
	slices.SortFunc(units, func(a, b Unit) int {
		return cmp.Or(cmp.Compare(a.CampaignIndex, b.CampaignIndex), cmp.Compare(a.ChildType, b.ChildType))
	})
}
