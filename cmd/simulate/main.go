// Command simulate runs synthetic participants through a definition
// in-memory and prints the resulting branch distribution. Useful for
// sanity-checking counterbalancing before a study goes live.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openbehavior/pathway/internal/cache"
	"github.com/openbehavior/pathway/internal/capacity"
	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/definition"
	"github.com/openbehavior/pathway/internal/navigator"
	"github.com/openbehavior/pathway/internal/registry"
	"github.com/openbehavior/pathway/internal/session"
)

// maxSteps caps one simulated session so a definition that never
// completes cannot hang the tool.
const maxSteps = 500

// #region main
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <definition.yaml> [participants]\n", os.Args[0])
		os.Exit(2)
	}
	defPath := os.Args[1]
	participants := 20
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n <= 0 {
			log.Fatalf("invalid participant count %q", os.Args[2])
		}
		participants = n
	}

	def, err := definition.Load(defPath)
	if err != nil {
		log.Fatalf("load definition: %v", err)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	c, err := cache.OpenInMemory()
	if err != nil {
		log.Fatalf("open cache: %v", err)
	}
	defer c.Close()

	cs, err := counters.NewStore(db)
	if err != nil {
		log.Fatalf("counters: %v", err)
	}
	reg, err := registry.NewStore(db, c)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	sess, err := session.NewStore(db, c)
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	eng := navigator.NewEngine(def, cs, reg, sess, capacity.NewManager(c, time.Minute), c)

	completed := 0
	for i := 0; i < participants; i++ {
		sid := fmt.Sprintf("sim-%03d", i)
		if runSession(eng, sid) {
			completed++
		}
	}

	fmt.Printf("\n%d/%d sessions completed\n\n", completed, participants)
	printDistribution(cs, def.ID)
}

// runSession drives one synthetic participant to completion.
func runSession(eng *navigator.Engine, sid string) bool {
	ns, err := eng.Start(navigator.StartParams{
		SessionID: sid,
		UserID:    sid,
		UserAgent: "pathway-simulate/1.0",
	})
	if err != nil {
		log.Printf("start %s: %v", sid, err)
		return false
	}
	for steps := 0; !ns.IsComplete && ns.CurrentUnit != nil && steps < maxSteps; steps++ {
		unitID := ns.CurrentUnit.ID
		ns, err = eng.Submit(sid, unitID, syntheticAnswers(ns.CurrentUnit))
		if err != nil {
			log.Printf("submit %s/%s: %v", sid, unitID, err)
			return false
		}
	}
	return ns.IsComplete
}

// syntheticAnswers fills the unit's declared form so required-field
// validation passes.
func syntheticAnswers(u *navigator.UnitView) map[string]any {
	data := map[string]any{}
	for _, q := range u.Questions {
		data[q.ID] = "3"
	}
	for _, f := range u.Fields {
		if strings.Contains(f.Validation, "@") {
			data[f.ID] = "sim@example.org"
		} else {
			data[f.ID] = "sim"
		}
	}
	return data
}

func printDistribution(cs *counters.Store, experimentID string) {
	records, err := cs.SnapshotExperiment(experimentID)
	if err != nil {
		log.Fatalf("snapshot: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("no distribution decisions recorded")
		return
	}
	fmt.Printf("%-30s %-20s %8s %10s %8s\n", "DECISION", "BRANCH", "STARTED", "COMPLETED", "ACTIVE")
	for _, r := range records {
		fmt.Printf("%-30s %-20s %8d %10d %8d\n", r.DecisionID, r.BranchID, r.Started, r.Completed, r.Active)
	}
}

// #endregion main
