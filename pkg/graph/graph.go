// Package graph implements the grading orchestration graph: a staged DAG
// with conditional routing, dynamic Send fan-out, checkpointing at node
// boundaries, and pause/resume for review gates.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/gradeos/gradeos/pkg/models"
)

// NodeFunc executes one stage against a snapshot of the run state and
// returns a partial update, a fan-out, or a pause marker. Nodes must not
// mutate the state they receive.
type NodeFunc func(ctx context.Context, state *models.GradingState) (*Output, error)

// WorkerFunc handles one Send task. Workers own their task state (deep
// copies) and return an update merged by the runtime in deterministic order.
type WorkerFunc func(ctx context.Context, task *models.BatchTask) (*models.StateUpdate, error)

// RouterFunc selects a conditional-edge key from the current state. Routers
// must be pure: no mutation, no side effects.
type RouterFunc func(state *models.GradingState) string

// Send schedules Task on the worker registered under Target.
type Send struct {
	Target string
	Task   *models.BatchTask
}

// Output is a node's result. Update, when set, merges before any Sends are
// dispatched; Pause stops execution after the merge and marks the successor
// as the resume point.
type Output struct {
	Update *models.StateUpdate
	Sends  []Send
	Pause  bool
}

// BuildError reports graph construction problems. Every referenced node
// must exist at build time — a conditional edge pointing at a node
// registered later builds a graph that silently stops at the predecessor,
// which is exactly the defect this validation exists to prevent.
type BuildError struct {
	Problems []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("graph build failed: %s", strings.Join(e.Problems, "; "))
}

type conditionalEdge struct {
	router  RouterFunc
	mapping map[string]string
}

// Builder assembles a Graph. Methods record problems; Build surfaces them
// all at once as a BuildError.
type Builder struct {
	nodes       map[string]NodeFunc
	workers     map[string]WorkerFunc
	edges       map[string]string
	conditional map[string]*conditionalEdge
	entry       string
	problems    []string
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:       make(map[string]NodeFunc),
		workers:     make(map[string]WorkerFunc),
		edges:       make(map[string]string),
		conditional: make(map[string]*conditionalEdge),
	}
}

// RegisterNode adds a named stage node.
func (b *Builder) RegisterNode(name string, fn NodeFunc) *Builder {
	if name == "" || fn == nil {
		b.problems = append(b.problems, "node registration requires a name and a function")
		return b
	}
	if _, dup := b.nodes[name]; dup {
		b.problems = append(b.problems, fmt.Sprintf("node %q registered twice", name))
		return b
	}
	b.nodes[name] = fn
	return b
}

// RegisterWorker adds a fan-out worker reachable only via Send.
func (b *Builder) RegisterWorker(name string, fn WorkerFunc) *Builder {
	if name == "" || fn == nil {
		b.problems = append(b.problems, "worker registration requires a name and a function")
		return b
	}
	if _, dup := b.workers[name]; dup {
		b.problems = append(b.problems, fmt.Sprintf("worker %q registered twice", name))
		return b
	}
	b.workers[name] = fn
	return b
}

// SetEntry marks the first node executed for a fresh run.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// AddEdge adds a static edge. Both endpoints must already be registered.
func (b *Builder) AddEdge(from, to string) *Builder {
	if _, ok := b.nodes[from]; !ok {
		b.problems = append(b.problems, fmt.Sprintf("edge source %q is not a registered node", from))
	}
	if _, ok := b.nodes[to]; !ok {
		b.problems = append(b.problems, fmt.Sprintf("edge target %q is not a registered node", to))
	}
	if b.hasOutgoing(from) {
		b.problems = append(b.problems, fmt.Sprintf("node %q already has an outgoing edge", from))
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdge adds a routed edge. Every mapping target must already
// be registered when this method is called — registration order is part of
// the contract, not a convenience.
func (b *Builder) AddConditionalEdge(from string, router RouterFunc, mapping map[string]string) *Builder {
	if _, ok := b.nodes[from]; !ok {
		b.problems = append(b.problems, fmt.Sprintf("conditional edge source %q is not a registered node", from))
	}
	if router == nil {
		b.problems = append(b.problems, fmt.Sprintf("conditional edge from %q has no router", from))
	}
	if len(mapping) == 0 {
		b.problems = append(b.problems, fmt.Sprintf("conditional edge from %q has an empty mapping", from))
	}
	for key, target := range mapping {
		if _, ok := b.nodes[target]; !ok {
			b.problems = append(b.problems,
				fmt.Sprintf("conditional edge from %q routes key %q to unregistered node %q", from, key, target))
		}
	}
	if b.hasOutgoing(from) {
		b.problems = append(b.problems, fmt.Sprintf("node %q already has an outgoing edge", from))
		return b
	}
	cloned := make(map[string]string, len(mapping))
	for k, v := range mapping {
		cloned[k] = v
	}
	b.conditional[from] = &conditionalEdge{router: router, mapping: cloned}
	return b
}

func (b *Builder) hasOutgoing(from string) bool {
	_, static := b.edges[from]
	_, cond := b.conditional[from]
	return static || cond
}

// Build validates the graph and freezes it. All accumulated problems are
// returned together.
func (b *Builder) Build() (*Graph, error) {
	problems := append([]string(nil), b.problems...)
	if b.entry == "" {
		problems = append(problems, "no entry node set")
	} else if _, ok := b.nodes[b.entry]; !ok {
		problems = append(problems, fmt.Sprintf("entry node %q is not registered", b.entry))
	}
	if len(problems) > 0 {
		return nil, &BuildError{Problems: problems}
	}
	return &Graph{
		nodes:       b.nodes,
		workers:     b.workers,
		edges:       b.edges,
		conditional: b.conditional,
		entry:       b.entry,
	}, nil
}

// Graph is an immutable, validated grading graph.
type Graph struct {
	nodes       map[string]NodeFunc
	workers     map[string]WorkerFunc
	edges       map[string]string
	conditional map[string]*conditionalEdge
	entry       string
}

// Entry returns the entry node name.
func (g *Graph) Entry() string { return g.entry }

// Node returns the node function registered under name.
func (g *Graph) Node(name string) (NodeFunc, bool) {
	fn, ok := g.nodes[name]
	return fn, ok
}

// Worker returns the worker function registered under name.
func (g *Graph) Worker(name string) (WorkerFunc, bool) {
	fn, ok := g.workers[name]
	return fn, ok
}

// Successor resolves the node following from, applying the conditional
// router when one is attached. Returns "" when from is terminal.
func (g *Graph) Successor(from string, state *models.GradingState) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	cond, ok := g.conditional[from]
	if !ok {
		return "", nil
	}
	key := cond.router(state)
	to, ok := cond.mapping[key]
	if !ok {
		return "", fmt.Errorf("router at %q returned unmapped key %q", from, key)
	}
	return to, nil
}
