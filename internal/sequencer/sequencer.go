// Package sequencer resolves branching decisions: ordering a set of
// candidate children or committing a picked subset. Every decision is
// deterministic for a given (session seed, decision point) and is
// restored verbatim from a previously committed assignment, so retries
// and recoveries never re-roll.
package sequencer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"

	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/definition"
)

// #region types

// OrderResult is the outcome of an ordering decision.
type OrderResult struct {
	Children   []*definition.Node
	Assignment string // committed token, empty when nothing to persist
	Reason     string
}

// PickResult is the outcome of a pick decision.
type PickResult struct {
	Children     []*definition.Node
	PickedIDs    []string
	Reason       string
	LedgerDeltas map[string][]any
	NewlyDecided bool // false when restored or when nothing was committed
}

// Sequencer makes ordering and pick decisions against the shared
// distribution counters.
type Sequencer struct {
	counters   *counters.Store
	experiment string
}

// New returns a sequencer bound to one experiment's counters.
func New(c *counters.Store, experimentID string) *Sequencer {
	return &Sequencer{counters: c, experiment: experimentID}
}

// #endregion types

// #region seeding

// SeedFromSession derives a session seed when none was persisted.
func SeedFromSession(sessionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	return int64(h.Sum64() % (1 << 31))
}

// rngFor decorrelates sibling decision points: two decisions with the
// same candidate count must not draw identical permutations, so the
// decision id is folded into the session seed.
func rngFor(seed int64, decisionID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(decisionID))
	return rand.New(rand.NewSource(seed ^ int64(h.Sum64()&0x7fffffffffffffff)))
}

// #endregion seeding

// #region ordering

// Order resolves an ordering decision where balanced and weighted
// modes commit to a single branch: sequential and randomized return
// the full list, balanced/weighted return a one-element selection, and
// latin_square returns all children in a counterbalanced order. A
// non-empty existing assignment is always restored unchanged.
func (s *Sequencer) Order(children []*definition.Node, r *definition.Rules, sessionID, decisionID, existing string, seed int64) (OrderResult, error) {
	if len(children) == 0 {
		return OrderResult{Reason: "no candidates"}, nil
	}
	mode := r.OrderingMode()

	if existing != "" {
		switch mode {
		case definition.OrderBalanced, definition.OrderWeighted, definition.OrderLatinSquare:
			if restored, ok := s.restore(children, existing, mode == definition.OrderLatinSquare); ok {
				return OrderResult{
					Children:   restored,
					Assignment: existing,
					Reason:     "restored previous assignment: " + existing,
				}, nil
			}
		}
	}

	switch mode {
	case definition.OrderRandomized:
		return OrderResult{
			Children: shuffled(children, rngFor(seed, decisionID)),
			Reason:   "randomized ordering",
		}, nil
	case definition.OrderBalanced:
		return s.balancedSelect(children, r, decisionID, seed)
	case definition.OrderWeighted:
		return weightedSelect(children, r, decisionID, seed), nil
	case definition.OrderLatinSquare:
		return s.latinSquare(children, decisionID, seed)
	}
	return OrderResult{Children: children, Reason: "sequential ordering"}, nil
}

// OrderAll resolves an ordering decision that must keep every child:
// balanced and latin_square both produce a counterbalanced full order,
// weighted produces a weighted shuffle. Used when ordering siblings a
// participant will visit all of, rather than selecting a branch.
func (s *Sequencer) OrderAll(children []*definition.Node, r *definition.Rules, sessionID, decisionID, existing string, seed int64) (OrderResult, error) {
	if len(children) == 0 {
		return OrderResult{Reason: "no candidates"}, nil
	}
	if existing != "" {
		if restored, ok := s.restore(children, existing, true); ok {
			return OrderResult{
				Children:   restored,
				Assignment: existing,
				Reason:     "restored previous order: " + existing,
			}, nil
		}
	}

	switch r.OrderingMode() {
	case definition.OrderRandomized:
		return OrderResult{
			Children: shuffled(children, rngFor(seed, decisionID)),
			Reason:   "randomized ordering",
		}, nil
	case definition.OrderWeighted:
		return weightedOrderAll(children, r, decisionID, seed), nil
	case definition.OrderBalanced, definition.OrderLatinSquare:
		return s.latinSquare(children, decisionID, seed)
	}
	return OrderResult{Children: children, Reason: "sequential ordering"}, nil
}

// restore rebuilds a committed selection or order from its token.
// Full orders tolerate definition edits by appending children the
// token never saw.
func (s *Sequencer) restore(children []*definition.Node, token string, fullOrder bool) ([]*definition.Node, bool) {
	byID := make(map[string]*definition.Node, len(children))
	for _, c := range children {
		byID[c.ID] = c
	}
	if !fullOrder && !strings.Contains(token, ",") {
		if c, ok := byID[token]; ok {
			return []*definition.Node{c}, true
		}
		return nil, false
	}

	var ordered []*definition.Node
	seen := map[string]bool{}
	for _, id := range strings.Split(token, ",") {
		if c, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, c)
			seen[id] = true
		}
	}
	if len(ordered) == 0 {
		return nil, false
	}
	for _, c := range children {
		if !seen[c.ID] {
			ordered = append(ordered, c)
		}
	}
	return ordered, true
}

func shuffled(children []*definition.Node, rng *rand.Rand) []*definition.Node {
	out := append([]*definition.Node{}, children...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (s *Sequencer) balancedSelect(children []*definition.Node, r *definition.Rules, decisionID string, seed int64) (OrderResult, error) {
	ids := childIDs(children)
	winner, err := s.counters.PickLeastFilled(s.experiment, decisionID, ids, r.BalanceField(), rngFor(seed, decisionID))
	if err != nil {
		return OrderResult{}, fmt.Errorf("balanced select at %s: %w", decisionID, err)
	}
	for _, c := range children {
		if c.ID == winner {
			return OrderResult{
				Children:   []*definition.Node{c},
				Assignment: winner,
				Reason:     fmt.Sprintf("balanced: joined least-filled branch %s (on %s)", winner, r.BalanceField()),
			}, nil
		}
	}
	return OrderResult{}, fmt.Errorf("balanced select at %s: winner %s not a candidate", decisionID, winner)
}

func weightedSelect(children []*definition.Node, r *definition.Rules, decisionID string, seed int64) OrderResult {
	total := 0
	for _, c := range children {
		total += r.WeightFor(c.ID)
	}
	rng := rngFor(seed, decisionID)
	roll := rng.Intn(total) + 1
	cumulative := 0
	for _, c := range children {
		cumulative += r.WeightFor(c.ID)
		if roll <= cumulative {
			return OrderResult{
				Children:   []*definition.Node{c},
				Assignment: c.ID,
				Reason:     fmt.Sprintf("weighted: roll %d of %d assigned %s", roll, total, c.ID),
			}
		}
	}
	last := children[len(children)-1]
	return OrderResult{Children: []*definition.Node{last}, Assignment: last.ID, Reason: "weighted: fallback to last"}
}

func weightedOrderAll(children []*definition.Node, r *definition.Rules, decisionID string, seed int64) OrderResult {
	rng := rngFor(seed, decisionID)
	remaining := append([]*definition.Node{}, children...)
	var ordered []*definition.Node
	for len(remaining) > 0 {
		if len(remaining) == 1 {
			ordered = append(ordered, remaining[0])
			break
		}
		total := 0
		for _, c := range remaining {
			total += r.WeightFor(c.ID)
		}
		roll := rng.Float64() * float64(total)
		cumulative := 0.0
		for i, c := range remaining {
			cumulative += float64(r.WeightFor(c.ID))
			if roll <= cumulative {
				ordered = append(ordered, c)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	ids := childIDs(ordered)
	return OrderResult{
		Children:   ordered,
		Assignment: strings.Join(ids, ","),
		Reason:     "weighted order: " + strings.Join(ids, ","),
	}
}

// latinSquare orders children by one row of the canonical n x n
// square (row i = [(i+j) mod n]); the row is chosen by least-filled
// balancing over a row-counter namespace so rows are used evenly
// across participants.
func (s *Sequencer) latinSquare(children []*definition.Node, decisionID string, seed int64) (OrderResult, error) {
	n := len(children)
	rowIDs := make([]string, n)
	for i := range rowIDs {
		rowIDs[i] = strconv.Itoa(i)
	}
	rowCounter := decisionID + "_ls"
	winner, err := s.counters.PickLeastFilled(s.experiment, rowCounter, rowIDs, counters.FieldStarted, rngFor(seed, rowCounter))
	if err != nil {
		return OrderResult{}, fmt.Errorf("latin square row at %s: %w", decisionID, err)
	}
	row, _ := strconv.Atoi(winner)

	ordered := make([]*definition.Node, n)
	for j := 0; j < n; j++ {
		ordered[j] = children[(row+j)%n]
	}
	ids := childIDs(ordered)
	return OrderResult{
		Children:   ordered,
		Assignment: strings.Join(ids, ","),
		Reason:     fmt.Sprintf("latin square: row %d of %d", row+1, n),
	}, nil
}

func childIDs(children []*definition.Node) []string {
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return ids
}

// #endregion ordering

// #region picking

// Pick commits a subset of children per the rules' pick_count. An
// existing pick whose size still matches is restored verbatim.
// Candidates failing a pick condition against the accumulated ledger
// are excluded before the strategy runs; an emptied pool yields an
// empty selection, which callers treat as nothing-visible, not as an
// error.
func (s *Sequencer) Pick(children []*definition.Node, r *definition.Rules, sessionID, decisionID string, existingPicks []string, seed int64, ledger map[string][]any) (PickResult, error) {
	if len(children) == 0 {
		return PickResult{Reason: "no candidates to pick from"}, nil
	}
	if r == nil || r.PickCount == nil {
		return PickResult{Children: children, Reason: "no pick_count, using all children"}, nil
	}
	pickCount := *r.PickCount

	if len(existingPicks) > 0 {
		byID := make(map[string]*definition.Node, len(children))
		for _, c := range children {
			byID[c.ID] = c
		}
		var restored []*definition.Node
		for _, id := range existingPicks {
			if c, ok := byID[id]; ok {
				restored = append(restored, c)
			}
		}
		if len(restored) == pickCount {
			return PickResult{
				Children:  restored,
				PickedIDs: childIDs(restored),
				Reason:    "restored previous picks: " + strings.Join(existingPicks, ","),
			}, nil
		}
	}

	candidates := children
	if len(r.PickConditions) > 0 {
		candidates = filterByConditions(children, r.PickConditions, ledger)
		if len(candidates) == 0 {
			return PickResult{
				PickedIDs: []string{},
				Reason:    "no candidates satisfy pick conditions",
			}, nil
		}
	}

	if pickCount >= len(candidates) {
		return PickResult{
			Children:     candidates,
			PickedIDs:    childIDs(candidates),
			Reason:       fmt.Sprintf("pick_count %d >= %d filtered candidates, using all", pickCount, len(candidates)),
			LedgerDeltas: collectAssigns(candidates),
			NewlyDecided: true,
		}, nil
	}

	var picked []*definition.Node
	var reason string
	switch r.Strategy() {
	case definition.PickRoundRobin:
		combos := combinations(len(candidates), pickCount)
		idx, err := s.counters.NextPickIndex(s.experiment, decisionID, len(combos))
		if err != nil {
			return PickResult{}, fmt.Errorf("round robin at %s: %w", decisionID, err)
		}
		for _, i := range combos[idx] {
			picked = append(picked, candidates[i])
		}
		reason = fmt.Sprintf("round robin: combination %d of %d", idx+1, len(combos))
	case definition.PickWeightedRandom:
		picked = weightedSample(candidates, r, pickCount, rngFor(seed, decisionID))
		reason = fmt.Sprintf("weighted random pick: %d of %d", pickCount, len(candidates))
	default:
		rng := rngFor(seed, decisionID)
		picked = shuffled(candidates, rng)[:pickCount]
		reason = fmt.Sprintf("random pick: %d of %d", pickCount, len(candidates))
	}

	return PickResult{
		Children:     picked,
		PickedIDs:    childIDs(picked),
		Reason:       reason,
		LedgerDeltas: collectAssigns(picked),
		NewlyDecided: true,
	}, nil
}

// filterByConditions keeps candidates whose effective pick_assigns
// satisfy every condition against the accumulated ledger. A candidate
// without the condition's variable skips that condition.
func filterByConditions(children []*definition.Node, conds []definition.PickCondition, ledger map[string][]any) []*definition.Node {
	var out []*definition.Node
	for _, child := range children {
		assigns := definition.EffectivePickAssigns(child)
		passes := true
		for _, cond := range conds {
			values := assigns[cond.Variable]
			if len(values) == 0 {
				continue
			}
			accumulated := ledger[cond.Variable]
			if cond.Negated() {
				// None of the candidate's values may already be committed.
				for _, v := range values {
					if anyEqual(accumulated, v) {
						passes = false
						break
					}
				}
			} else {
				// At least one of the candidate's values must be committed.
				hit := false
				for _, v := range values {
					if anyEqual(accumulated, v) {
						hit = true
						break
					}
				}
				passes = hit
			}
			if !passes {
				break
			}
		}
		if passes {
			out = append(out, child)
		}
	}
	return out
}

func anyEqual(list []any, v any) bool {
	for _, el := range list {
		if el == v {
			return true
		}
	}
	return false
}

// collectAssigns gathers the ledger contribution of a picked set,
// aggregating through containers so a picked block commits the
// variables its tasks carry.
func collectAssigns(picked []*definition.Node) map[string][]any {
	out := map[string][]any{}
	for _, child := range picked {
		for k, values := range definition.EffectivePickAssigns(child) {
			out[k] = append(out[k], values...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func weightedSample(children []*definition.Node, r *definition.Rules, k int, rng *rand.Rand) []*definition.Node {
	remaining := append([]*definition.Node{}, children...)
	var picked []*definition.Node
	for len(picked) < k && len(remaining) > 0 {
		total := 0
		for _, c := range remaining {
			total += r.PickWeightFor(c.ID)
		}
		roll := rng.Float64() * float64(total)
		cumulative := 0.0
		for i, c := range remaining {
			cumulative += float64(r.PickWeightFor(c.ID))
			if roll <= cumulative {
				picked = append(picked, c)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return picked
}

// combinations enumerates C(n, k) index sets in lexicographic order.
// Candidate counts at a decision point are small, so the full list is
// cheap and gives round robin a stable enumeration to walk.
func combinations(n, k int) [][]int {
	var out [][]int
	combo := make([]int, k)
	for i := range combo {
		combo[i] = i
	}
	for {
		out = append(out, append([]int{}, combo...))
		i := k - 1
		for i >= 0 && combo[i] == n-k+i {
			i--
		}
		if i < 0 {
			break
		}
		combo[i]++
		for j := i + 1; j < k; j++ {
			combo[j] = combo[j-1] + 1
		}
	}
	return out
}

// #endregion picking
