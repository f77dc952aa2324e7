// Package digest implements the seven-stage digest pipeline: a typed DAG of
// stages validated at construction and executed single-threaded per session.
// The only place the clock enters is the decay stage; everything before it is
// intrinsic to the messages.
package digest

import (
	"context"
	"fmt"
	"time"

	"digest_server/core/domain"
	"digest_server/pkg/apperr"
)

// Key names a slot in the digest context. A stage may read only its declared
// inputs and write only its declared outputs.
type Key string

const (
	KeyMessages     Key = "messages"      // []domain.ClassifiedEmail
	KeyTemporal     Key = "temporal"      // map[string]*domain.TemporalContext
	KeyT0Sections   Key = "t0_sections"   // map[string]domain.Section
	KeyT1Sections   Key = "t1_sections"   // map[string]domain.Section
	KeyEntities     Key = "entities"      // []domain.Entity
	KeySectionIndex Key = "section_index" // map[domain.Section][]int (entity indexes)
	KeyEnrichment   Key = "enrichment"    // *Enrichment
	KeyHTML         Key = "html"          // string
)

// Context carries one digest run through the DAG.
type Context struct {
	UserID    string
	SessionID string
	Now       time.Time
	Location  *time.Location

	values   map[Key]any
	warnings []string
	timings  map[string]float64
	goCtx    context.Context
}

// NewContext seeds a run with its inputs.
func NewContext(userID, sessionID string, now time.Time, loc *time.Location, messages []domain.ClassifiedEmail) *Context {
	if loc == nil {
		loc = time.UTC
	}
	return &Context{
		UserID:    userID,
		SessionID: sessionID,
		Now:       now.UTC(),
		Location:  loc,
		values:    map[Key]any{KeyMessages: messages},
		timings:   make(map[string]float64),
	}
}

// Warn records a non-fatal stage problem surfaced to the caller.
func (c *Context) Warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns the accumulated warnings.
func (c *Context) Warnings() []string { return c.warnings }

// Timings returns per-stage wall time in milliseconds.
func (c *Context) Timings() map[string]float64 { return c.timings }

// Value reads a slot without stage enforcement. For the service layer after
// the run; stages go through StageContext.
func (c *Context) Value(k Key) any { return c.values[k] }

// Stage is one node of the DAG.
type Stage struct {
	Name      string
	DependsOn []string
	Inputs    []Key
	Outputs   []Key
	Run       func(sc *StageContext) error
}

// StageContext is the declared-I/O view a stage receives.
type StageContext struct {
	ctx     *Context
	stage   *Stage
	inputs  map[Key]bool
	outputs map[Key]bool
}

// Now returns the evaluation clock. Only the decay stage should call this;
// the input declarations make any other use visible in review.
func (sc *StageContext) Now() time.Time { return sc.ctx.Now }

// Context returns the cancellation context of the run.
func (sc *StageContext) Context() context.Context {
	if sc.ctx.goCtx == nil {
		return context.Background()
	}
	return sc.ctx.goCtx
}

// Location returns the user's timezone.
func (sc *StageContext) Location() *time.Location { return sc.ctx.Location }

// UserID returns the tenant.
func (sc *StageContext) UserID() string { return sc.ctx.UserID }

// Warn records a non-fatal problem.
func (sc *StageContext) Warn(format string, args ...any) { sc.ctx.Warn(format, args...) }

// Get reads a declared input slot.
func (sc *StageContext) Get(k Key) (any, error) {
	if !sc.inputs[k] {
		return nil, apperr.ContractViolation(sc.stage.Name, fmt.Sprintf("read of undeclared input %q", k))
	}
	return sc.ctx.values[k], nil
}

// Set writes a declared output slot.
func (sc *StageContext) Set(k Key, v any) error {
	if !sc.outputs[k] {
		return apperr.ContractViolation(sc.stage.Name, fmt.Sprintf("write of undeclared output %q", k))
	}
	sc.ctx.values[k] = v
	return nil
}

// Pipeline is a validated DAG of stages in a stable topological order.
type Pipeline struct {
	order []*Stage
}

// NewPipeline validates the stage set: no duplicate names, every dependency
// exists, no cycles, and produces a stable topological order (declaration
// order breaks ties).
func NewPipeline(stages []*Stage) (*Pipeline, error) {
	byName := make(map[string]*Stage, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline: stage with empty name")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", s.Name)
		}
		byName[s.Name] = s
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("pipeline: stage %q depends on unknown %q", s.Name, dep)
			}
		}
	}

	// Kahn's algorithm, scanning in declaration order for stability.
	indegree := make(map[string]int, len(stages))
	for _, s := range stages {
		indegree[s.Name] = len(s.DependsOn)
	}
	var order []*Stage
	done := make(map[string]bool, len(stages))
	for len(order) < len(stages) {
		progressed := false
		for _, s := range stages {
			if done[s.Name] || indegree[s.Name] != 0 {
				continue
			}
			order = append(order, s)
			done[s.Name] = true
			for _, t := range stages {
				for _, dep := range t.DependsOn {
					if dep == s.Name {
						indegree[t.Name]--
					}
				}
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("pipeline: dependency cycle among stages")
		}
	}

	return &Pipeline{order: order}, nil
}

// Order returns the stage names in execution order.
func (p *Pipeline) Order() []string {
	names := make([]string, len(p.order))
	for i, s := range p.order {
		names[i] = s.Name
	}
	return names
}

// Execute runs the DAG over one context. A ContractViolation or a cancelled
// context aborts; any other stage error becomes a warning and the run
// continues on the stage's safe defaults.
func (p *Pipeline) Execute(ctx context.Context, dctx *Context) error {
	dctx.goCtx = ctx
	for _, s := range p.order {
		if err := ctx.Err(); err != nil {
			return err
		}

		sc := &StageContext{
			ctx:     dctx,
			stage:   s,
			inputs:  keySet(s.Inputs),
			outputs: keySet(s.Outputs),
		}
		start := time.Now()
		err := s.Run(sc)
		dctx.timings[s.Name] = float64(time.Since(start).Microseconds()) / 1000.0

		if err != nil {
			if apperr.HasCode(err, apperr.CodeContractViolated) {
				return err
			}
			dctx.Warn("stage %s: %v", s.Name, err)
		}
	}
	return nil
}

func keySet(keys []Key) map[Key]bool {
	m := make(map[Key]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
