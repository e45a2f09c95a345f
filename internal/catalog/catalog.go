// Package catalog holds the static, ordered definition of delivery stages.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// StageID identifies a stage in the catalog.
type StageID string

// StageDefinition describes one stage of the delivery pipeline.
type StageDefinition struct {
	ID                StageID       `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Description       string        `json:"description,omitempty" yaml:"description"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	CanSkip           bool          `json:"can_skip" yaml:"can_skip"`
	CanRetry          bool          `json:"can_retry" yaml:"can_retry"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	Dependencies      []StageID     `json:"dependencies,omitempty" yaml:"dependencies"`
	NextStage         StageID       `json:"next_stage,omitempty" yaml:"next_stage"`
	FailureStage      StageID       `json:"failure_stage,omitempty" yaml:"failure_stage"`
	QualityGate       bool          `json:"quality_gate,omitempty" yaml:"quality_gate"`
}

// Catalog is a validated, read-only set of stage definitions.
type Catalog struct {
	ordered  []StageDefinition
	index    map[StageID]int
	entry    StageID
	terminal StageID
	failure  map[StageID]bool
}

// New validates defs and builds a Catalog. Definitions keep their declared
// order, which is also the order progress is reported in.
func New(defs []StageDefinition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("catalog: at least one stage is required")
	}

	c := &Catalog{
		ordered: make([]StageDefinition, len(defs)),
		index:   make(map[StageID]int, len(defs)),
		failure: make(map[StageID]bool),
	}
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog: stage %d has no id", i)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate stage id %q", d.ID)
		}
		if d.MaxRetries < 0 {
			return nil, fmt.Errorf("catalog: stage %q has negative max_retries", d.ID)
		}
		d.Dependencies = append([]StageID(nil), d.Dependencies...)
		c.ordered[i] = d
		c.index[d.ID] = i
	}

	var entries []StageID
	for _, d := range c.ordered {
		for _, dep := range d.Dependencies {
			if _, ok := c.index[dep]; !ok {
				return nil, fmt.Errorf("catalog: stage %q depends on unknown stage %q", d.ID, dep)
			}
		}
		if d.NextStage != "" {
			if _, ok := c.index[d.NextStage]; !ok {
				return nil, fmt.Errorf("catalog: stage %q has unknown next_stage %q", d.ID, d.NextStage)
			}
		}
		if d.FailureStage != "" {
			if _, ok := c.index[d.FailureStage]; !ok {
				return nil, fmt.Errorf("catalog: stage %q has unknown failure_stage %q", d.ID, d.FailureStage)
			}
			if d.FailureStage == d.ID {
				return nil, fmt.Errorf("catalog: stage %q cannot be its own failure_stage", d.ID)
			}
			c.failure[d.FailureStage] = true
		}
		if len(d.Dependencies) == 0 {
			entries = append(entries, d.ID)
		}
	}

	if cycle := findCycle(c.ordered, c.index); cycle != nil {
		return nil, fmt.Errorf("catalog: dependency cycle: %s", joinIDs(cycle, " -> "))
	}
	if len(entries) != 1 {
		return nil, fmt.Errorf("catalog: exactly one entry stage (no dependencies) is required, found %d: %s",
			len(entries), joinIDs(entries, ", "))
	}
	c.entry = entries[0]

	terminal, err := c.walkTerminal()
	if err != nil {
		return nil, err
	}
	c.terminal = terminal
	return c, nil
}

// MustNew is New for package-level catalogs; it panics on invalid input.
func MustNew(defs []StageDefinition) *Catalog {
	c, err := New(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the definition for id.
func (c *Catalog) Get(id StageID) (StageDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return StageDefinition{}, false
	}
	return c.ordered[i], true
}

// All returns the definitions in declared order.
func (c *Catalog) All() []StageDefinition {
	out := make([]StageDefinition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// IDs returns the stage ids in declared order.
func (c *Catalog) IDs() []StageID {
	ids := make([]StageID, len(c.ordered))
	for i, d := range c.ordered {
		ids[i] = d.ID
	}
	return ids
}

// Len returns the number of stages.
func (c *Catalog) Len() int { return len(c.ordered) }

// Entry returns the only stage without dependencies.
func (c *Catalog) Entry() StageID { return c.entry }

// Terminal returns the last stage on the next_stage chain from the entry.
// Completing it completes the pipeline.
func (c *Catalog) Terminal() StageID { return c.terminal }

// IsFailureStage reports whether some stage routes failures to id.
func (c *Catalog) IsFailureStage(id StageID) bool { return c.failure[id] }

// Position returns the zero-based declared position of id, or -1.
func (c *Catalog) Position(id StageID) int {
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}

// MainPath returns the next_stage chain starting at the entry stage.
func (c *Catalog) MainPath() []StageID {
	var path []StageID
	seen := make(map[StageID]bool)
	for id := c.entry; id != "" && !seen[id]; {
		seen[id] = true
		path = append(path, id)
		d, _ := c.Get(id)
		id = d.NextStage
	}
	return path
}

// walkTerminal follows next_stage from the entry, rejecting loops.
func (c *Catalog) walkTerminal() (StageID, error) {
	seen := make(map[StageID]bool)
	id := c.entry
	for {
		if seen[id] {
			return "", fmt.Errorf("catalog: next_stage chain loops at %q", id)
		}
		seen[id] = true
		d, _ := c.Get(id)
		if d.NextStage == "" {
			return id, nil
		}
		id = d.NextStage
	}
}

// findCycle runs a DFS over dependency edges and returns the first cycle found.
func findCycle(defs []StageDefinition, index map[StageID]int) []StageID {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(defs))
	var stack []StageID
	var cycle []StageID

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		stack = append(stack, defs[i].ID)
		for _, dep := range defs[i].Dependencies {
			j := index[dep]
			switch state[j] {
			case visiting:
				for k, id := range stack {
					if id == dep {
						cycle = append(append([]StageID(nil), stack[k:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for i := range defs {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

func joinIDs(ids []StageID, sep string) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, sep)
}
