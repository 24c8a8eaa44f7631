package depgraph

import (
	"testing"

	"github.com/openbehavior/pathway/internal/definition"
)

// buildDef wires a flat experiment where visibility rules form the
// chain screener -> branch_q -> summary, with bystander unrelated.
func buildDef(t *testing.T) *definition.Definition {
	t.Helper()
	data := []byte(`{
		"id": "dep_test",
		"phases": [{
			"id": "p1",
			"stages": [
				{"id": "screener", "type": "questionnaire"},
				{"id": "branch_q", "type": "questionnaire",
				 "rules": {"visibility": "screener.eligible == 'yes'"}},
				{"id": "summary", "type": "content_display",
				 "rules": {"visibility": "branch_q.choice == 'a' AND screener.eligible == 'yes'"}},
				{"id": "bystander", "type": "content_display"}
			]
		}]
	}`)
	d, err := definition.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestDependentsTopoOrder(t *testing.T) {
	g := Build(buildDef(t))

	deps := g.Dependents("screener")
	if len(deps) != 2 {
		t.Fatalf("dependents = %v, want branch_q then summary", deps)
	}
	if deps[0] != "branch_q" || deps[1] != "summary" {
		t.Fatalf("order = %v, want [branch_q summary]", deps)
	}

	if got := g.Dependents("branch_q"); len(got) != 1 || got[0] != "summary" {
		t.Fatalf("branch_q dependents = %v", got)
	}
	if got := g.Dependents("bystander"); len(got) != 0 {
		t.Fatalf("bystander dependents = %v, want none", got)
	}
}

func TestDependencies(t *testing.T) {
	g := Build(buildDef(t))
	got := g.Dependencies("summary")
	if len(got) != 2 || got[0] != "branch_q" || got[1] != "screener" {
		t.Fatalf("dependencies = %v", got)
	}
	if len(g.Dependencies("screener")) != 0 {
		t.Fatalf("screener should have no dependencies")
	}
}

func TestHasDependents(t *testing.T) {
	g := Build(buildDef(t))
	if !g.HasDependents("screener") {
		t.Fatalf("screener has dependents")
	}
	if g.HasDependents("summary") {
		t.Fatalf("summary has none")
	}
}

func TestReservedNamespacesIgnored(t *testing.T) {
	data := []byte(`{
		"id": "ns_test",
		"phases": [{
			"id": "p1",
			"stages": [
				{"id": "a", "type": "questionnaire"},
				{"id": "b", "type": "questionnaire",
				 "rules": {"visibility": "participant.group == 'x' AND url_params.wave == 2"}}
			]
		}]
	}`)
	d, err := definition.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g := Build(d)
	if g.HasDependents("a") || len(g.Dependencies("b")) != 0 {
		t.Fatalf("namespace paths must not create unit edges")
	}
}
