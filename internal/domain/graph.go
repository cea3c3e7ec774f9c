package domain

import (
	"fmt"
)

// Predicate evaluates a conditional edge against the accumulated instance
// data. Predicates must be pure; they may run more than once.
type Predicate func(data map[string]any) bool

// NextKind tags the outgoing-edge variant of a step.
type NextKind int

const (
	// NextUnset means the builder never gave the step an outgoing edge;
	// graphs containing a reachable one fail validation.
	NextUnset NextKind = iota
	NextDirect
	NextConditional
	NextParallel
	NextTerminal
)

// Next is the tagged outgoing edge of a step.
type Next struct {
	Kind NextKind

	// Direct
	Target string

	// Conditional
	Predicate   Predicate
	TrueTarget  string
	FalseTarget string

	// Parallel
	Branches []string
	JoinStep string
}

// ProcessStep is a node of a process graph. A step whose Next is parallel is
// a pure fan-out node and dispatches no command of its own.
type ProcessStep struct {
	Name         string
	Compensation string
	Next         Next
}

// ProcessGraph is the static, read-only DAG of a process type. Graphs are
// built once at registration via GraphBuilder and never mutated after.
type ProcessGraph struct {
	processType string
	initialStep string
	steps       map[string]ProcessStep
}

// ProcessType returns the type this graph was built for.
func (g *ProcessGraph) ProcessType() string { return g.processType }

// InitialStep returns the entry step name.
func (g *ProcessGraph) InitialStep() string { return g.initialStep }

// Step returns the named step.
func (g *ProcessGraph) Step(name string) (ProcessStep, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// NextAfter resolves the step following the given one for the provided
// instance data. The second return is false when the step is terminal.
// Parallel fan-out nodes are not resolved here; the dispatcher recognizes
// them by their Next kind.
func (g *ProcessGraph) NextAfter(step string, data map[string]any) (string, bool) {
	s, ok := g.steps[step]
	if !ok {
		return "", false
	}
	switch s.Next.Kind {
	case NextDirect:
		return s.Next.Target, true
	case NextConditional:
		if s.Next.Predicate != nil && s.Next.Predicate(data) {
			return s.Next.TrueTarget, true
		}
		return s.Next.FalseTarget, true
	default:
		return "", false
	}
}

// GraphBuilder composes a ProcessGraph fluently. Errors are collected and
// surfaced by Build so chains stay uncluttered.
type GraphBuilder struct {
	processType string
	initial     string
	steps       map[string]*ProcessStep
	current     string
	err         error
}

// NewGraph starts a builder for the given process type.
func NewGraph(processType string) *GraphBuilder {
	return &GraphBuilder{processType: processType, steps: map[string]*ProcessStep{}}
}

func (b *GraphBuilder) fail(format string, args ...any) *GraphBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrBadGraph, fmt.Sprintf(format, args...))
	}
	return b
}

func (b *GraphBuilder) step(name string) *ProcessStep {
	if s, ok := b.steps[name]; ok {
		return s
	}
	s := &ProcessStep{Name: name}
	b.steps[name] = s
	return s
}

// StartWith declares the initial step.
func (b *GraphBuilder) StartWith(step string) *GraphBuilder {
	if b.initial != "" {
		return b.fail("initial step already set to %q", b.initial)
	}
	if step == "" {
		return b.fail("initial step name is empty")
	}
	b.step(step)
	b.initial = step
	b.current = step
	return b
}

// Then adds a direct edge from the current step.
func (b *GraphBuilder) Then(step string) *GraphBuilder {
	if b.current == "" {
		return b.fail("Then(%q) before StartWith", step)
	}
	cur := b.step(b.current)
	if cur.Next.Kind != NextUnset {
		return b.fail("step %q already has an outgoing edge", b.current)
	}
	b.step(step)
	cur.Next = Next{Kind: NextDirect, Target: step}
	b.current = step
	return b
}

// WithCompensation attaches a compensation step to the current step.
func (b *GraphBuilder) WithCompensation(step string) *GraphBuilder {
	if b.current == "" {
		return b.fail("WithCompensation(%q) before StartWith", step)
	}
	b.step(step)
	b.step(b.current).Compensation = step
	return b
}

// ThenIf starts a conditional edge from the current step.
func (b *GraphBuilder) ThenIf(pred Predicate) *ConditionalBuilder {
	return &ConditionalBuilder{b: b, pred: pred}
}

// ConditionalBuilder completes a conditional edge. With only WhenTrue, the
// false path short-circuits to the continuation; with WhenFalse both arms
// converge at the continuation.
type ConditionalBuilder struct {
	b           *GraphBuilder
	pred        Predicate
	trueTarget  string
	falseTarget string
}

// WhenTrue names the step taken when the predicate holds.
func (c *ConditionalBuilder) WhenTrue(step string) *ConditionalBuilder {
	c.trueTarget = step
	return c
}

// WhenFalse names the step taken when the predicate does not hold.
func (c *ConditionalBuilder) WhenFalse(step string) *ConditionalBuilder {
	c.falseTarget = step
	return c
}

// Then closes the conditional at the continuation step and returns the
// builder positioned there.
func (c *ConditionalBuilder) Then(continuation string) *GraphBuilder {
	b := c.b
	if b.current == "" {
		return b.fail("ThenIf before StartWith")
	}
	if c.pred == nil {
		return b.fail("conditional edge from %q has no predicate", b.current)
	}
	if c.trueTarget == "" {
		return b.fail("conditional edge from %q has no WhenTrue target", b.current)
	}
	cur := b.step(b.current)
	if cur.Next.Kind != NextUnset {
		return b.fail("step %q already has an outgoing edge", b.current)
	}
	b.step(continuation)
	falseTarget := c.falseTarget
	if falseTarget == "" {
		falseTarget = continuation
	}
	cur.Next = Next{Kind: NextConditional, Predicate: c.pred, TrueTarget: c.trueTarget, FalseTarget: falseTarget}

	tt := b.step(c.trueTarget)
	if tt.Next.Kind == NextUnset {
		tt.Next = Next{Kind: NextDirect, Target: continuation}
	}
	if c.falseTarget != "" {
		ft := b.step(c.falseTarget)
		if ft.Next.Kind == NextUnset {
			ft.Next = Next{Kind: NextDirect, Target: continuation}
		}
	}
	b.current = continuation
	return b
}

// ThenParallel starts a parallel fan-out after the current step. The
// fan-out node is synthesized; branches each converge at the join step.
func (b *GraphBuilder) ThenParallel() *ParallelBuilder {
	return &ParallelBuilder{b: b}
}

// ParallelBuilder collects branches and closes the fan-out at a join step.
type ParallelBuilder struct {
	b        *GraphBuilder
	branches []string
}

// Branch adds a branch step to the fan-out.
func (p *ParallelBuilder) Branch(step string) *ParallelBuilder {
	p.branches = append(p.branches, step)
	return p
}

// JoinAt closes the fan-out: every branch runs in parallel and the join
// step is dispatched once all branches have completed.
func (p *ParallelBuilder) JoinAt(join string) *GraphBuilder {
	b := p.b
	if b.current == "" {
		return b.fail("ThenParallel before StartWith")
	}
	if len(p.branches) == 0 {
		return b.fail("parallel fan-out after %q has no branches", b.current)
	}
	cur := b.step(b.current)
	if cur.Next.Kind != NextUnset {
		return b.fail("step %q already has an outgoing edge", b.current)
	}
	fanOut := "parallel:" + join
	cur.Next = Next{Kind: NextDirect, Target: fanOut}
	fo := b.step(fanOut)
	fo.Next = Next{Kind: NextParallel, Branches: append([]string(nil), p.branches...), JoinStep: join}
	b.step(join)
	for _, br := range p.branches {
		bs := b.step(br)
		if bs.Next.Kind != NextUnset {
			return b.fail("parallel branch %q already has an outgoing edge", br)
		}
		bs.Next = Next{Kind: NextDirect, Target: join}
	}
	b.current = join
	return b
}

// End marks the current step terminal.
func (b *GraphBuilder) End() *GraphBuilder {
	if b.current == "" {
		return b.fail("End before StartWith")
	}
	cur := b.step(b.current)
	if cur.Next.Kind != NextUnset {
		return b.fail("step %q already has an outgoing edge", b.current)
	}
	cur.Next = Next{Kind: NextTerminal}
	return b
}

// Build validates the composed graph and freezes it. Validation failures
// are configuration errors and must surface before any instance exists.
func (b *GraphBuilder) Build() (*ProcessGraph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.initial == "" {
		return nil, fmt.Errorf("%w: no initial step", ErrBadGraph)
	}
	steps := make(map[string]ProcessStep, len(b.steps))
	for name, s := range b.steps {
		steps[name] = *s
	}
	g := &ProcessGraph{processType: b.processType, initialStep: b.initial, steps: steps}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *ProcessGraph) validate() error {
	compensations := map[string]string{}
	for name, s := range g.steps {
		if s.Compensation != "" {
			if _, ok := g.steps[s.Compensation]; !ok {
				return fmt.Errorf("%w: step %q references undeclared compensation %q", ErrBadGraph, name, s.Compensation)
			}
			compensations[s.Compensation] = name
		}
		switch s.Next.Kind {
		case NextDirect:
			if _, ok := g.steps[s.Next.Target]; !ok {
				return fmt.Errorf("%w: step %q references undeclared step %q", ErrBadGraph, name, s.Next.Target)
			}
		case NextConditional:
			for _, t := range []string{s.Next.TrueTarget, s.Next.FalseTarget} {
				if _, ok := g.steps[t]; !ok {
					return fmt.Errorf("%w: step %q references undeclared step %q", ErrBadGraph, name, t)
				}
			}
		case NextParallel:
			if _, ok := g.steps[s.Next.JoinStep]; !ok {
				return fmt.Errorf("%w: fan-out %q references undeclared join %q", ErrBadGraph, name, s.Next.JoinStep)
			}
			for _, br := range s.Next.Branches {
				bs, ok := g.steps[br]
				if !ok {
					return fmt.Errorf("%w: fan-out %q references undeclared branch %q", ErrBadGraph, name, br)
				}
				if bs.Next.Kind != NextDirect || bs.Next.Target != s.Next.JoinStep {
					return fmt.Errorf("%w: branch %q must resolve directly to join %q", ErrBadGraph, br, s.Next.JoinStep)
				}
			}
		}
	}
	for comp, source := range compensations {
		if g.steps[comp].Next.Kind == NextParallel {
			return fmt.Errorf("%w: compensation %q of step %q is a parallel fan-out source", ErrBadGraph, comp, source)
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic walks every edge from the initial step; a back edge is a
// configuration error, as is a reachable step without an outgoing edge.
func (g *ProcessGraph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("%w: cycle through step %q", ErrBadGraph, name)
		case black:
			return nil
		}
		color[name] = gray
		s := g.steps[name]
		if s.Next.Kind == NextUnset {
			return fmt.Errorf("%w: step %q has no outgoing edge; missing End()", ErrBadGraph, name)
		}
		var targets []string
		switch s.Next.Kind {
		case NextDirect:
			targets = []string{s.Next.Target}
		case NextConditional:
			targets = []string{s.Next.TrueTarget, s.Next.FalseTarget}
		case NextParallel:
			targets = append(append([]string(nil), s.Next.Branches...), s.Next.JoinStep)
		}
		for _, t := range targets {
			if err := visit(t); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	return visit(g.initialStep)
}
