// Package navigator is the session state machine: it walks the
// definition tree against a participant's context, resolves branching
// through the sequencer, and drives submit/jump/recovery transitions.
package navigator

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openbehavior/pathway/internal/cache"
	"github.com/openbehavior/pathway/internal/capacity"
	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/definition"
	"github.com/openbehavior/pathway/internal/depgraph"
	"github.com/openbehavior/pathway/internal/registry"
	"github.com/openbehavior/pathway/internal/rules"
	"github.com/openbehavior/pathway/internal/sequencer"
	"github.com/openbehavior/pathway/internal/session"
)

// #region types

var (
	// ErrUnknownUnit means the unit id is not in the definition tree.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrStaleSubmission means the submitted unit is not the session's
	// current unit, usually a duplicate or out-of-order client request.
	ErrStaleSubmission = errors.New("stale submission")
	// ErrJumpNotAllowed means the jump target is locked or not reachable.
	ErrJumpNotAllowed = errors.New("jump not allowed")
	// ErrValidation is the sentinel wrapped by ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrSessionClosed means the session already finished.
	ErrSessionClosed = errors.New("session is not active")
)

// returnPointerTTL bounds how long a reference jump's return point is
// kept before the session falls back to its current unit.
const returnPointerTTL = time.Hour

// ValidationError reports every problem found in a submission payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnitView is the client-facing slice of a unit: content and form
// schema without rules, quotas, or sibling structure.
type UnitView struct {
	ID        string                `json:"id"`
	Label     string                `json:"label,omitempty"`
	Type      string                `json:"type,omitempty"`
	Kind      definition.Kind       `json:"kind"`
	Reference bool                  `json:"reference,omitempty"`
	UI        map[string]any        `json:"ui,omitempty"`
	Questions []definition.Question `json:"questions,omitempty"`
	Fields    []definition.Field    `json:"fields,omitempty"`
}

// Locked lists completed units a participant may not return to,
// grouped by hierarchy level.
type Locked struct {
	Phases []string `json:"phases"`
	Stages []string `json:"stages"`
	Blocks []string `json:"blocks"`
	Tasks  []string `json:"tasks"`
}

// NavState is the full navigation snapshot returned by every engine
// operation. Clients render from it alone.
type NavState struct {
	SessionID          string           `json:"session_id"`
	ExperimentID       string           `json:"experiment_id"`
	Status             string           `json:"status"`
	CurrentUnit        *UnitView        `json:"current_unit,omitempty"`
	VisibleUnitIDs     []string         `json:"visible_unit_ids"`
	CompletedUnitIDs   []string         `json:"completed_unit_ids"`
	SkippedUnitIDs     []string         `json:"skipped_unit_ids,omitempty"`
	InvalidatedUnitIDs []string         `json:"invalidated_unit_ids,omitempty"`
	ReturnUnitID       string           `json:"return_unit_id,omitempty"`
	IsComplete         bool             `json:"is_complete"`
	QuotaBlocked       bool             `json:"quota_blocked,omitempty"`
	Progress           session.Progress `json:"progress"`
	Locked             Locked           `json:"locked"`
}

// StartParams carries everything a new session needs.
type StartParams struct {
	SessionID   string
	UserID      string
	Participant map[string]any
	URLParams   map[string]any
	UserAgent   string
	ScreenSize  string
}

// Engine binds one experiment definition to its stores and resolves
// navigation for its sessions.
type Engine struct {
	def        *definition.Definition
	idx        *definition.Index
	experiment string
	programs   map[string]*rules.Program
	seq        *sequencer.Sequencer
	counters   *counters.Store
	deps       *depgraph.Graph
	registry   *registry.Store
	sessions   *session.Store
	quota      *capacity.Manager
	cache      *cache.Store
}

// NewEngine compiles the definition's visibility rules once and wires
// the engine to its stores. A malformed rule is logged and its unit
// treated as always visible.
func NewEngine(def *definition.Definition, cs *counters.Store, reg *registry.Store, sess *session.Store, quota *capacity.Manager, c *cache.Store) *Engine {
	idx := definition.BuildIndex(def)
	programs := map[string]*rules.Program{}
	for _, id := range idx.UnitIDs() {
		n := idx.Lookup(id).Node
		if n.Rules == nil || n.Rules.Visibility == "" {
			continue
		}
		prog, err := rules.Compile(n.Rules.Visibility)
		if err != nil {
			log.Printf("[NAV] bad visibility rule on %s, treating as visible: %v", id, err)
			continue
		}
		programs[id] = prog
	}
	return &Engine{
		def:        def,
		idx:        idx,
		experiment: def.ID,
		programs:   programs,
		seq:        sequencer.New(cs, def.ID),
		counters:   cs,
		deps:       depgraph.Build(def),
		registry:   reg,
		sessions:   sess,
		quota:      quota,
		cache:      c,
	}
}

// Definition returns the experiment definition the engine serves.
func (e *Engine) Definition() *definition.Definition { return e.def }

// Dependents lists the units invalidated when the given unit's data
// changes, in re-execution order.
func (e *Engine) Dependents(unitID string) ([]string, error) {
	if !e.idx.Has(unitID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	return e.deps.Dependents(unitID), nil
}

// QuotaStatus reports reservation and completion counts for a
// quota-limited unit.
func (e *Engine) QuotaStatus(unitID string) (capacity.Status, error) {
	info := e.idx.Lookup(unitID)
	if info == nil {
		return capacity.Status{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if info.Node.Quota == nil {
		return capacity.Status{}, fmt.Errorf("unit %s carries no quota", unitID)
	}
	return e.quota.Status(e.experiment, unitID, info.Node.Quota.Limit)
}

// Sessions lists recent sessions for the experiment.
func (e *Engine) Sessions(limit int) ([]session.State, error) {
	return e.sessions.ListByExperiment(e.experiment, limit)
}

// #endregion types

// #region lifecycle

// Start creates a session, resolves its initial visible path, and
// positions it on the first available unit.
func (e *Engine) Start(p StartParams) (*NavState, error) {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	reg, err := e.registry.Initialize(registry.InitParams{
		SessionID:    p.SessionID,
		ExperimentID: e.experiment,
		UserID:       p.UserID,
		Participant:  p.Participant,
		URLParams:    p.URLParams,
		UserAgent:    p.UserAgent,
		ScreenSize:   p.ScreenSize,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize participant state: %w", err)
	}

	st := &session.State{
		SessionID:         p.SessionID,
		ExperimentID:      e.experiment,
		UserID:            p.UserID,
		Status:            session.StatusActive,
		VisibleUnitIDs:    []string{},
		CompletedUnitIDs:  []string{},
		Assignments:       map[string]string{},
		PickLedger:        map[string][]any{},
		RandomizationSeed: sequencer.SeedFromSession(p.SessionID),
		Data:              map[string]map[string]any{},
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.resolvePath(st, reg); err != nil {
		return nil, err
	}

	next, blocked, err := e.advance(st, "")
	if err != nil {
		return nil, err
	}
	if next == "" {
		st.Status = session.StatusCompleted
		e.finalizeDistribution(st)
	} else {
		st.CurrentUnitID = next
		if !blocked {
			st.SetUnitStatus(next, session.UnitInProgress)
		}
	}
	st.RecomputeProgress()
	if err := e.sessions.Save(st); err != nil {
		return nil, err
	}
	log.Printf("[NAV] session %s started on %s (%d visible)", st.SessionID, st.CurrentUnitID, len(st.VisibleUnitIDs))
	ns := e.buildState(st)
	ns.QuotaBlocked = blocked
	return ns, nil
}

// Submit records a unit's payload, marks it completed, recomputes the
// visible path, and advances to the next available unit.
func (e *Engine) Submit(sessionID, unitID string, data map[string]any) (*NavState, error) {
	st, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != session.StatusActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	info := e.idx.Lookup(unitID)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if st.CurrentUnitID != unitID {
		return nil, fmt.Errorf("%w: submitted %s, current is %s", ErrStaleSubmission, unitID, st.CurrentUnitID)
	}
	if problems := validateSubmission(info.Node, data); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	reg, err := e.registry.AddResponse(sessionID, unitID, data)
	if err != nil {
		return nil, err
	}
	if st.Data == nil {
		st.Data = map[string]map[string]any{}
	}
	st.Data[unitID] = data
	st.MarkCompleted(unitID)
	if info.Node.Quota != nil {
		if err := e.quota.TryComplete(e.experiment, unitID, sessionID); err != nil {
			log.Printf("[NAV] quota complete for %s/%s: %v", unitID, sessionID, err)
		}
	}

	if err := e.resolvePath(st, reg); err != nil {
		return nil, err
	}
	e.refreshContainerCompletion(st)

	next, blocked, err := e.advance(st, unitID)
	if err != nil {
		return nil, err
	}
	if next == "" {
		st.Status = session.StatusCompleted
		st.CurrentUnitID = ""
		e.finalizeDistribution(st)
		log.Printf("[NAV] session %s completed (%d units)", sessionID, len(st.CompletedUnitIDs))
	} else {
		st.CurrentUnitID = next
		if !blocked {
			st.SetUnitStatus(next, session.UnitInProgress)
		}
	}
	st.RecomputeProgress()
	if err := e.sessions.Save(st); err != nil {
		return nil, err
	}
	ns := e.buildState(st)
	ns.QuotaBlocked = blocked
	return ns, nil
}

// Jump moves the session to a reference unit, a completed unit, or the
// next available unit. Returning to a completed editable unit that
// invalidates dependents cascades: dependent work is discarded and
// those units return to pending.
func (e *Engine) Jump(sessionID, targetID string) (*NavState, error) {
	st, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	info := e.idx.Lookup(targetID)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, targetID)
	}
	n := info.Node

	isCompleted := st.HasCompleted(targetID)
	isNext := e.firstUncompleted(st) == targetID
	if !n.Reference && !isCompleted && !isNext {
		return nil, fmt.Errorf("%w: %s is neither completed, next, nor a reference unit", ErrJumpNotAllowed, targetID)
	}
	if isCompleted {
		if locked, reason := e.unitLocked(targetID, st); locked {
			return nil, fmt.Errorf("%w: %s", ErrJumpNotAllowed, reason)
		}
	}

	returnID := st.CurrentUnitID
	var invalidated []string

	if n.Reference {
		if err := e.cache.SetTTL(returnPointerKey(sessionID), []byte(returnID), returnPointerTTL); err != nil {
			log.Printf("[NAV] store return point for %s: %v", sessionID, err)
		}
	}

	if isCompleted && n.EditableAfterSubmit && n.Invalidates() {
		for _, dep := range e.deps.Dependents(targetID) {
			if !st.HasCompleted(dep) {
				continue
			}
			st.MarkInvalidated(dep)
			delete(st.Data, dep)
			if _, err := e.registry.RemoveResponse(sessionID, dep); err != nil {
				log.Printf("[NAV] discard response %s/%s: %v", sessionID, dep, err)
			}
			invalidated = append(invalidated, dep)
		}
		if len(invalidated) > 0 {
			log.Printf("[NAV] session %s reopened %s, invalidated %s", sessionID, targetID, strings.Join(invalidated, ","))
		}
	}

	st.CurrentUnitID = targetID
	if !isCompleted && !n.Reference {
		st.SetUnitStatus(targetID, session.UnitInProgress)
	}
	st.RecomputeProgress()
	if err := e.sessions.Save(st); err != nil {
		return nil, err
	}
	ns := e.buildState(st)
	ns.ReturnUnitID = returnID
	ns.InvalidatedUnitIDs = invalidated
	return ns, nil
}

// Return moves the session back to the unit it left for a reference
// jump. The pointer is single-use.
func (e *Engine) Return(sessionID string) (*NavState, error) {
	st, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	raw, ok, err := e.cache.Get(returnPointerKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: no return point for session %s", ErrJumpNotAllowed, sessionID)
	}
	e.cache.Delete(returnPointerKey(sessionID))

	st.CurrentUnitID = string(raw)
	if err := e.sessions.Save(st); err != nil {
		return nil, err
	}
	return e.buildState(st), nil
}

// State rebuilds the navigation snapshot for recovery, reconnects,
// and the admin surface.
func (e *Engine) State(sessionID string) (*NavState, error) {
	st, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return e.buildState(st), nil
}

func returnPointerKey(sessionID string) string { return "jump_return:" + sessionID }

// #endregion lifecycle

// #region path

// resolvePath recomputes the session's visible leaf sequence. Every
// branching decision is restored from the session's committed
// assignments, so recomputation after a submission only moves units
// whose visibility actually changed.
func (e *Engine) resolvePath(st *session.State, reg *registry.State) error {
	if st.Assignments == nil {
		st.Assignments = map[string]string{}
	}
	if st.PickLedger == nil {
		st.PickLedger = map[string][]any{}
	}
	ctx := reg.Context()
	for k, v := range st.Assignments {
		ctx.Assignments[k] = v
	}
	seed := st.RandomizationSeed

	commit := func(decisionID string, res sequencer.OrderResult) {
		if res.Assignment == "" || st.Assignments[decisionID] == res.Assignment {
			return
		}
		st.Assignments[decisionID] = res.Assignment
		ctx.Assignments[decisionID] = res.Assignment
		if _, err := e.registry.RecordAssignment(st.SessionID, decisionID, res.Assignment, res.Reason); err != nil {
			log.Printf("[NAV] record assignment %s=%s: %v", decisionID, res.Assignment, err)
		}
		if !strings.Contains(res.Assignment, ",") {
			if err := e.counters.MarkActive(e.experiment, decisionID, res.Assignment, st.SessionID); err != nil {
				log.Printf("[NAV] mark active %s=%s: %v", decisionID, res.Assignment, err)
			}
		}
	}

	pick := func(parent *definition.Node, children []*definition.Node) ([]*definition.Node, error) {
		key := parent.ID + "_picks"
		var existing []string
		if tok := st.Assignments[key]; tok != "" {
			existing = strings.Split(tok, ",")
		}
		res, err := e.seq.Pick(children, parent.Rules, st.SessionID, parent.ID, existing, seed, st.PickLedger)
		if err != nil {
			return nil, err
		}
		if res.NewlyDecided {
			for k, vals := range res.LedgerDeltas {
				st.PickLedger[k] = append(st.PickLedger[k], vals...)
			}
			if len(res.PickedIDs) > 0 {
				tok := strings.Join(res.PickedIDs, ",")
				st.Assignments[key] = tok
				ctx.Assignments[key] = tok
				if _, err := e.registry.RecordAssignment(st.SessionID, key, tok, res.Reason); err != nil {
					log.Printf("[NAV] record picks %s=%s: %v", key, tok, err)
				}
			}
		}
		return res.Children, nil
	}

	var visible []string
	for _, phase := range e.def.Phases {
		if !e.unitVisible(phase.ID, ctx) {
			continue
		}
		if phase.IsLeaf() {
			visible = append(visible, phase.ID)
			continue
		}
		stages, err := pick(phase, phase.Children())
		if err != nil {
			return err
		}
		ores, err := e.seq.Order(stages, phase.Rules, st.SessionID, phase.ID, st.Assignments[phase.ID], seed)
		if err != nil {
			return err
		}
		commit(phase.ID, ores)

		for _, stage := range ores.Children {
			if !e.unitVisible(stage.ID, ctx) {
				continue
			}
			if stage.IsLeaf() {
				visible = append(visible, stage.ID)
				continue
			}
			blocks, err := pick(stage, stage.Children())
			if err != nil {
				return err
			}
			bkey := stage.ID + "_blocks"
			bres, err := e.seq.OrderAll(blocks, stage.Rules, st.SessionID, bkey, st.Assignments[bkey], seed)
			if err != nil {
				return err
			}
			commit(bkey, bres)

			for _, block := range bres.Children {
				if !e.unitVisible(block.ID, ctx) {
					continue
				}
				if block.IsLeaf() {
					visible = append(visible, block.ID)
					continue
				}
				tasks, err := pick(block, block.Children())
				if err != nil {
					return err
				}
				for _, task := range tasks {
					if e.unitVisible(task.ID, ctx) {
						visible = append(visible, task.ID)
					}
				}
			}
		}
	}
	if visible == nil {
		visible = []string{}
	}
	st.VisibleUnitIDs = visible
	return nil
}

func (e *Engine) unitVisible(id string, ctx *rules.Context) bool {
	return e.programs[id].Eval(ctx)
}

// advance finds the next uncompleted, unskipped visible unit after
// `from`, reserving capacity when the candidate carries a quota. A
// full quota resolves by strategy: skip the unit, redirect to its
// fallback, or hold the participant on it.
func (e *Engine) advance(st *session.State, from string) (next string, blocked bool, err error) {
	start := 0
	if from != "" {
		if i := indexOf(st.VisibleUnitIDs, from); i >= 0 {
			start = i + 1
		}
	}
	for i := start; i < len(st.VisibleUnitIDs); i++ {
		id := st.VisibleUnitIDs[i]
		if st.HasCompleted(id) || contains(st.SkippedUnitIDs, id) {
			continue
		}
		info := e.idx.Lookup(id)
		if info == nil {
			continue
		}
		q := info.Node.Quota
		if q == nil {
			return id, false, nil
		}
		ok, err := e.quota.TryReserve(e.experiment, id, st.SessionID, q.Limit)
		if err != nil {
			return "", false, err
		}
		if ok {
			return id, false, nil
		}
		switch q.EffectiveStrategy() {
		case definition.QuotaRedirect:
			if q.FallbackUnit != "" && e.idx.Has(q.FallbackUnit) {
				log.Printf("[NAV] quota full on %s, redirecting %s to %s", id, st.SessionID, q.FallbackUnit)
				return q.FallbackUnit, false, nil
			}
			fallthrough
		case definition.QuotaSkipIfFull:
			log.Printf("[NAV] quota full on %s, skipping for %s", id, st.SessionID)
			st.SkippedUnitIDs = append(st.SkippedUnitIDs, id)
			st.SetUnitStatus(id, session.UnitSkipped)
		default:
			return id, true, nil
		}
	}
	return "", false, nil
}

// firstUncompleted is the next-available unit seen from the whole
// path, used to validate forward jumps.
func (e *Engine) firstUncompleted(st *session.State) string {
	for _, id := range st.VisibleUnitIDs {
		if !st.HasCompleted(id) && !contains(st.SkippedUnitIDs, id) {
			return id
		}
	}
	return ""
}

// finalizeDistribution settles counters for a finished session: every
// single-branch assignment gets its completed count bumped and its
// active marker cleared.
func (e *Engine) finalizeDistribution(st *session.State) {
	for decision, branch := range st.Assignments {
		if strings.Contains(branch, ",") {
			continue
		}
		info := e.idx.Lookup(decision)
		if info == nil {
			continue
		}
		switch info.Node.Rules.OrderingMode() {
		case definition.OrderBalanced, definition.OrderWeighted:
		default:
			continue
		}
		if err := e.counters.IncrementCompleted(e.experiment, decision, branch); err != nil {
			log.Printf("[NAV] settle completed %s=%s: %v", decision, branch, err)
		}
		if err := e.counters.ClearActive(e.experiment, decision, branch, st.SessionID); err != nil {
			log.Printf("[NAV] clear active %s=%s: %v", decision, branch, err)
		}
	}
}

// #endregion path

// #region completion

// refreshContainerCompletion derives block and phase completion from
// the leaf completed set, honoring committed picks: a block with picks
// completes when its picked tasks are done, not all of them.
func (e *Engine) refreshContainerCompletion(st *session.State) {
	for _, id := range e.idx.UnitIDs() {
		info := e.idx.Lookup(id)
		switch {
		case info.Kind == definition.KindBlock && !info.Node.IsLeaf():
			if e.blockCompleted(info.Node, st) {
				stageID := info.Parent.Node.ID
				if st.CompletedBlockIDs == nil {
					st.CompletedBlockIDs = map[string][]string{}
				}
				if !contains(st.CompletedBlockIDs[stageID], id) {
					st.CompletedBlockIDs[stageID] = append(st.CompletedBlockIDs[stageID], id)
				}
			}
		case info.Kind == definition.KindPhase && !info.Node.IsLeaf():
			if e.subtreeCompleted(info.Node, st) && !contains(st.CompletedPhaseIDs, id) {
				st.CompletedPhaseIDs = append(st.CompletedPhaseIDs, id)
			}
		}
	}
}

func (e *Engine) blockCompleted(block *definition.Node, st *session.State) bool {
	targets := e.pickedChildIDs(block, st)
	if len(targets) == 0 {
		return false
	}
	for _, id := range targets {
		if !st.HasCompleted(id) {
			return false
		}
	}
	return true
}

// pickedChildIDs returns the child ids that count toward a container's
// completion: the committed picks if any, otherwise all children.
func (e *Engine) pickedChildIDs(n *definition.Node, st *session.State) []string {
	if tok := st.Assignments[n.ID+"_picks"]; tok != "" {
		return strings.Split(tok, ",")
	}
	var ids []string
	for _, c := range n.Children() {
		ids = append(ids, c.ID)
	}
	return ids
}

// subtreeCompleted reports whether every visible leaf under the node
// is completed. A subtree with nothing visible is not completed; an
// empty visible set must not close out an arm the participant never
// entered.
func (e *Engine) subtreeCompleted(n *definition.Node, st *session.State) bool {
	leaves := e.visibleLeaves(n, st)
	if len(leaves) == 0 {
		return false
	}
	for _, id := range leaves {
		if !st.HasCompleted(id) {
			return false
		}
	}
	return true
}

func (e *Engine) visibleLeaves(n *definition.Node, st *session.State) []string {
	var out []string
	var walk func(c *definition.Node)
	walk = func(c *definition.Node) {
		if c.IsLeaf() {
			if contains(st.VisibleUnitIDs, c.ID) {
				out = append(out, c.ID)
			}
			return
		}
		for _, child := range c.Children() {
			walk(child)
		}
	}
	walk(n)
	return out
}

// #endregion completion

// #region locks

// unitLocked decides whether returning to a completed unit is barred:
// the unit's own allow_jump_to_completed, or that of any completed
// ancestor, locks it. Only completed units can lock.
func (e *Engine) unitLocked(id string, st *session.State) (bool, string) {
	if !st.HasCompleted(id) {
		return false, ""
	}
	for _, info := range e.idx.Chain(id) {
		n := info.Node
		if n.AllowJump() {
			continue
		}
		var done bool
		switch {
		case n.ID == id:
			done = true
		case info.Kind == definition.KindPhase:
			done = contains(st.CompletedPhaseIDs, n.ID)
		case info.Kind == definition.KindBlock:
			done = blockInCompleted(st, n.ID)
		default:
			done = e.subtreeCompleted(n, st)
		}
		if done {
			if n.ID == id {
				return true, fmt.Sprintf("%s is locked after completion", id)
			}
			return true, fmt.Sprintf("parent %s of %s is locked after completion", n.ID, id)
		}
	}
	return false, ""
}

func blockInCompleted(st *session.State, blockID string) bool {
	for _, ids := range st.CompletedBlockIDs {
		if contains(ids, blockID) {
			return true
		}
	}
	return false
}

// computeLocked buckets every locked completed unit by its level for
// the client snapshot.
func (e *Engine) computeLocked(st *session.State) Locked {
	locked := Locked{Phases: []string{}, Stages: []string{}, Blocks: []string{}, Tasks: []string{}}
	add := func(kind definition.Kind, id string) {
		switch kind {
		case definition.KindPhase:
			locked.Phases = append(locked.Phases, id)
		case definition.KindStage:
			locked.Stages = append(locked.Stages, id)
		case definition.KindBlock:
			locked.Blocks = append(locked.Blocks, id)
		default:
			locked.Tasks = append(locked.Tasks, id)
		}
	}

	for _, id := range st.CompletedPhaseIDs {
		if info := e.idx.Lookup(id); info != nil && !info.Node.AllowJump() {
			add(definition.KindPhase, id)
		}
	}
	for _, ids := range st.CompletedBlockIDs {
		for _, id := range ids {
			if info := e.idx.Lookup(id); info != nil && !info.Node.AllowJump() {
				add(definition.KindBlock, id)
			}
		}
	}
	for _, id := range st.CompletedUnitIDs {
		if yes, _ := e.unitLocked(id, st); !yes {
			continue
		}
		if info := e.idx.Lookup(id); info != nil {
			add(info.Kind, id)
		}
	}
	return locked
}

// #endregion locks

// #region validation

// validateSubmission checks a payload against the unit's declared
// form schema. Units without questions or fields accept anything.
func validateSubmission(n *definition.Node, data map[string]any) []string {
	var problems []string
	for _, q := range n.Questions {
		if q.Required && !present(data, q.ID) {
			problems = append(problems, "required field missing: "+q.ID)
		}
	}
	for _, f := range n.Fields {
		v, ok := data[f.ID]
		if f.Required && (!ok || blank(v)) {
			problems = append(problems, "required field missing: "+f.ID)
			continue
		}
		if ok && f.Validation != "" {
			re, err := regexp.Compile("^(?:" + f.Validation + ")")
			if err != nil {
				log.Printf("[NAV] bad validation pattern on %s.%s: %v", n.ID, f.ID, err)
				continue
			}
			if !re.MatchString(fmt.Sprint(v)) {
				problems = append(problems, "validation failed for "+f.ID)
			}
		}
	}
	return problems
}

func present(data map[string]any, key string) bool {
	v, ok := data[key]
	return ok && !blank(v)
}

func blank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// #endregion validation

// #region snapshot

func (e *Engine) buildState(st *session.State) *NavState {
	ns := &NavState{
		SessionID:        st.SessionID,
		ExperimentID:     st.ExperimentID,
		Status:           st.Status,
		VisibleUnitIDs:   st.VisibleUnitIDs,
		CompletedUnitIDs: st.CompletedUnitIDs,
		SkippedUnitIDs:   st.SkippedUnitIDs,
		IsComplete:       st.Status == session.StatusCompleted,
		Progress:         st.Progress,
		Locked:           e.computeLocked(st),
	}
	if st.CurrentUnitID != "" {
		ns.CurrentUnit = e.unitView(st.CurrentUnitID)
	}
	return ns
}

func (e *Engine) unitView(id string) *UnitView {
	info := e.idx.Lookup(id)
	if info == nil {
		return nil
	}
	n := info.Node
	return &UnitView{
		ID:        n.ID,
		Label:     n.Label,
		Type:      n.Type,
		Kind:      info.Kind,
		Reference: n.Reference,
		UI:        n.UI,
		Questions: n.Questions,
		Fields:    n.Fields,
	}
}

func indexOf(list []string, id string) int {
	for i, el := range list {
		if el == id {
			return i
		}
	}
	return -1
}

func contains(list []string, id string) bool { return indexOf(list, id) >= 0 }

// #endregion snapshot
