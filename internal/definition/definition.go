// Package definition models the authored experiment tree: a four-level
// Phase > Stage > Block > Task hierarchy where any level may carry a
// content type and terminate early as a leaf.
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// #region types

// Kind is the hierarchy level of a node.
type Kind string

const (
	KindPhase Kind = "phase"
	KindStage Kind = "stage"
	KindBlock Kind = "block"
	KindTask  Kind = "task"
)

// Ordering modes.
const (
	OrderSequential  = "sequential"
	OrderRandomized  = "randomized"
	OrderBalanced    = "balanced"
	OrderWeighted    = "weighted"
	OrderLatinSquare = "latin_square"
)

// Pick strategies.
const (
	PickRandom         = "random"
	PickRoundRobin     = "round_robin"
	PickWeightedRandom = "weighted_random"
)

// Quota strategies.
const (
	QuotaSkipIfFull = "skip_if_full"
	QuotaBlock      = "block"
	QuotaRedirect   = "redirect"
)

// Weight maps a child id to its integer weight.
type Weight struct {
	ID    string `json:"id" yaml:"id"`
	Value int    `json:"value" yaml:"value"`
}

// PickCondition filters pick candidates against the session's
// accumulated pick ledger.
type PickCondition struct {
	Variable string `json:"variable" yaml:"variable"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// Negated reports whether the condition excludes candidates whose
// values already appear in the ledger. not_in is the default.
func (c PickCondition) Negated() bool {
	switch c.Operator {
	case "in", "==":
		return false
	}
	return true
}

// Rules controls ordering, visibility, and distribution of a node's
// children.
type Rules struct {
	Ordering       string          `json:"ordering,omitempty" yaml:"ordering,omitempty"`
	Visibility     string          `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	BalanceOn      string          `json:"balance_on,omitempty" yaml:"balance_on,omitempty"`
	Weights        []Weight        `json:"weights,omitempty" yaml:"weights,omitempty"`
	PickCount      *int            `json:"pick_count,omitempty" yaml:"pick_count,omitempty"`
	PickStrategy   string          `json:"pick_strategy,omitempty" yaml:"pick_strategy,omitempty"`
	PickWeights    []Weight        `json:"pick_weights,omitempty" yaml:"pick_weights,omitempty"`
	PickConditions []PickCondition `json:"pick_conditions,omitempty" yaml:"pick_conditions,omitempty"`
}

// OrderingMode returns the effective ordering, defaulting to sequential.
func (r *Rules) OrderingMode() string {
	if r == nil || r.Ordering == "" {
		return OrderSequential
	}
	return r.Ordering
}

// BalanceField returns which counter balanced selection reads.
func (r *Rules) BalanceField() string {
	if r != nil && r.BalanceOn == "completed" {
		return "completed"
	}
	return "started"
}

// Strategy returns the effective pick strategy, defaulting to random.
func (r *Rules) Strategy() string {
	if r == nil || r.PickStrategy == "" {
		return PickRandom
	}
	return r.PickStrategy
}

// WeightFor returns the ordering weight for a child id, default 1.
func (r *Rules) WeightFor(id string) int {
	if r == nil {
		return 1
	}
	return weightFor(r.Weights, id)
}

// PickWeightFor returns the pick weight for a child id, default 1.
func (r *Rules) PickWeightFor(id string) int {
	if r == nil {
		return 1
	}
	return weightFor(r.PickWeights, id)
}

func weightFor(weights []Weight, id string) int {
	for _, w := range weights {
		if w.ID == id {
			if w.Value > 0 {
				return w.Value
			}
			return 1
		}
	}
	return 1
}

// Quota caps how many participants may complete a unit.
type Quota struct {
	Limit        int    `json:"limit" yaml:"limit"`
	Strategy     string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	FallbackUnit string `json:"fallback_unit,omitempty" yaml:"fallback_unit,omitempty"`
}

// EffectiveStrategy defaults to skip_if_full.
func (q *Quota) EffectiveStrategy() string {
	if q == nil || q.Strategy == "" {
		return QuotaSkipIfFull
	}
	return q.Strategy
}

// Question is one questionnaire item.
type Question struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Field is one form field with optional regex validation.
type Field struct {
	ID         string `json:"id" yaml:"id"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	Required   bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Node is one unit at any level of the tree. A node with a non-empty
// Type and no children acts as a leaf regardless of its level.
type Node struct {
	ID          string         `json:"id" yaml:"id"`
	Label       string         `json:"label,omitempty" yaml:"label,omitempty"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty"`
	Rules       *Rules         `json:"rules,omitempty" yaml:"rules,omitempty"`
	UI          map[string]any `json:"ui,omitempty" yaml:"ui,omitempty"`
	PickAssigns map[string]any `json:"pick_assigns,omitempty" yaml:"pick_assigns,omitempty"`
	Quota       *Quota         `json:"quota,omitempty" yaml:"quota,omitempty"`

	Reference             bool  `json:"reference,omitempty" yaml:"reference,omitempty"`
	EditableAfterSubmit   bool  `json:"editable_after_submit,omitempty" yaml:"editable_after_submit,omitempty"`
	InvalidatesDependents *bool `json:"invalidates_dependents,omitempty" yaml:"invalidates_dependents,omitempty"`
	AllowJumpToCompleted  *bool `json:"allow_jump_to_completed,omitempty" yaml:"allow_jump_to_completed,omitempty"`

	Questions []Question `json:"questions,omitempty" yaml:"questions,omitempty"`
	Fields    []Field    `json:"fields,omitempty" yaml:"fields,omitempty"`

	Stages []*Node `json:"stages,omitempty" yaml:"stages,omitempty"`
	Blocks []*Node `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Tasks  []*Node `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Children returns whichever child list the node carries.
func (n *Node) Children() []*Node {
	switch {
	case len(n.Stages) > 0:
		return n.Stages
	case len(n.Blocks) > 0:
		return n.Blocks
	case len(n.Tasks) > 0:
		return n.Tasks
	}
	return nil
}

// IsLeaf reports whether the node terminates the tree at its level.
func (n *Node) IsLeaf() bool { return len(n.Children()) == 0 }

// AllowJump defaults to true when unset.
func (n *Node) AllowJump() bool {
	return n.AllowJumpToCompleted == nil || *n.AllowJumpToCompleted
}

// Invalidates defaults to true when unset.
func (n *Node) Invalidates() bool {
	return n.InvalidatesDependents == nil || *n.InvalidatesDependents
}

// Definition is a complete authored experiment.
type Definition struct {
	ID      string  `json:"id" yaml:"id"`
	Title   string  `json:"title,omitempty" yaml:"title,omitempty"`
	Version string  `json:"version,omitempty" yaml:"version,omitempty"`
	Phases  []*Node `json:"phases" yaml:"phases"`
}

// #endregion types

// #region loading

// Load reads a definition from a JSON or YAML file, chosen by
// extension, and validates it.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// Parse decodes a JSON definition and validates it.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseYAML decodes a YAML definition and validates it.
func ParseYAML(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks structural invariants: ids present and globally
// unique, sane weights, pick_count positive.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition missing id")
	}
	seen := map[string]bool{}
	var check func(n *Node) error
	check = func(n *Node) error {
		if n.ID == "" {
			return fmt.Errorf("node missing id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate unit id %q", n.ID)
		}
		seen[n.ID] = true
		if r := n.Rules; r != nil {
			if r.PickCount != nil && *r.PickCount <= 0 {
				return fmt.Errorf("unit %q: pick_count must be positive", n.ID)
			}
			if r.PickCount != nil && len(n.Children()) > 0 && *r.PickCount > len(n.Children()) {
				return fmt.Errorf("unit %q: pick_count %d exceeds %d children", n.ID, *r.PickCount, len(n.Children()))
			}
			for _, w := range append(append([]Weight{}, r.Weights...), r.PickWeights...) {
				if w.Value < 0 {
					return fmt.Errorf("unit %q: negative weight for %q", n.ID, w.ID)
				}
			}
			for _, c := range r.PickConditions {
				if c.Variable == "" {
					return fmt.Errorf("unit %q: pick condition missing variable", n.ID)
				}
			}
		}
		if n.Quota != nil && n.Quota.Limit <= 0 {
			return fmt.Errorf("unit %q: quota limit must be positive", n.ID)
		}
		for _, c := range n.Children() {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ph := range d.Phases {
		if err := check(ph); err != nil {
			return err
		}
	}
	return nil
}

// #endregion loading

// #region index

// Info is one indexed unit with its resolved level and parent link.
type Info struct {
	Node   *Node
	Kind   Kind
	Parent *Info
}

// Index is the flattened id lookup over a definition tree.
type Index struct {
	byID  map[string]*Info
	order []string
}

var kindOrder = []Kind{KindPhase, KindStage, KindBlock, KindTask}

// BuildIndex walks the tree once and records every unit with its
// hierarchy level and parent chain.
func BuildIndex(d *Definition) *Index {
	ix := &Index{byID: map[string]*Info{}}
	var walk func(n *Node, depth int, parent *Info)
	walk = func(n *Node, depth int, parent *Info) {
		kind := kindOrder[min(depth, len(kindOrder)-1)]
		info := &Info{Node: n, Kind: kind, Parent: parent}
		ix.byID[n.ID] = info
		ix.order = append(ix.order, n.ID)
		for _, c := range n.Children() {
			walk(c, depth+1, info)
		}
	}
	for _, ph := range d.Phases {
		walk(ph, 0, nil)
	}
	return ix
}

// Lookup returns the indexed unit or nil.
func (ix *Index) Lookup(id string) *Info { return ix.byID[id] }

// Has reports whether id names a unit in the tree.
func (ix *Index) Has(id string) bool { return ix.byID[id] != nil }

// UnitIDs returns every unit id in traversal order.
func (ix *Index) UnitIDs() []string { return ix.order }

// Chain returns the root-to-unit ancestor path, unit included.
func (ix *Index) Chain(id string) []*Info {
	info := ix.byID[id]
	if info == nil {
		return nil
	}
	var chain []*Info
	for at := info; at != nil; at = at.Parent {
		chain = append([]*Info{at}, chain...)
	}
	return chain
}

// #endregion index

// #region pick-assigns

// EffectivePickAssigns computes the variables a candidate would
// contribute to the pick ledger: its own pick_assigns if present,
// otherwise the union of pick_assigns aggregated from its descendants.
// Computed on demand so tree edits never leave stale caches.
func EffectivePickAssigns(n *Node) map[string][]any {
	if len(n.PickAssigns) > 0 {
		out := make(map[string][]any, len(n.PickAssigns))
		for k, v := range n.PickAssigns {
			out[k] = []any{v}
		}
		return out
	}
	out := map[string][]any{}
	var walk func(c *Node)
	walk = func(c *Node) {
		for k, v := range c.PickAssigns {
			out[k] = append(out[k], v)
		}
		for _, child := range c.Children() {
			walk(child)
		}
	}
	for _, child := range n.Children() {
		walk(child)
	}
	return out
}

// #endregion pick-assigns
