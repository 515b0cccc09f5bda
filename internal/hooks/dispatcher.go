// Package hooks implements the hook dispatcher: a fixed, ordered set of named
// phases, each holding an unordered set of handlers that run concurrently and
// are joined before the phase completes.
package hooks

import (
	"context"
	"fmt"
	"sync"

	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/sourcegraph/conc/pool"
)

// Phase names an extension point.
type Phase string

const (
	PhasePreParse    Phase = "pre:parse"
	PhaseMatch       Phase = "match"
	PhasePostParse   Phase = "post:parse"
	PhaseLoad        Phase = "load"
	PhaseSetupRoute  Phase = "setup:route"
	PhaseApply       Phase = "apply"
	PhasePostApply   Phase = "post:apply"
	PhasePreCompile  Phase = "pre:compile"
	PhasePostCompile Phase = "post:compile"
)

// DefaultPhases returns the pre-declared phases in firing order.
func DefaultPhases() []Phase {
	return []Phase{
		PhasePreParse,
		PhaseMatch,
		PhasePostParse,
		PhaseLoad,
		PhaseSetupRoute,
		PhaseApply,
		PhasePostApply,
		PhasePreCompile,
		PhasePostCompile,
	}
}

// Handler observes or mutates a phase context. Writes go through hc.Set.
type Handler func(ctx context.Context, hc *Context) error

type registration struct {
	owner string
	fn    Handler
}

// Dispatcher holds the handlers of every declared phase.
type Dispatcher struct {
	mu       sync.RWMutex
	phases   []Phase
	handlers map[Phase][]registration
	logger   logging.Logger
}

// NewDispatcher creates a dispatcher with the default phases declared.
func NewDispatcher(logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		handlers: make(map[Phase][]registration),
		logger:   logger.WithComponent("hooks"),
	}
	for _, p := range DefaultPhases() {
		d.phases = append(d.phases, p)
		d.handlers[p] = nil
	}
	return d
}

// Declare adds a custom phase after the existing ones.
func (d *Dispatcher) Declare(phase Phase) error {
	if phase == "" {
		return atterrors.NewRegistrationError("EMPTY_PHASE", "phase name is empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[phase]; ok {
		return atterrors.NewRegistrationError("DUPLICATE_PHASE", fmt.Sprintf("phase %s already declared", phase))
	}
	d.phases = append(d.phases, phase)
	d.handlers[phase] = nil
	return nil
}

// Phases returns the declared phases in order.
func (d *Dispatcher) Phases() []Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Phase(nil), d.phases...)
}

// Hook registers fn for phase on behalf of owner. An owner holds at most one
// handler per phase.
func (d *Dispatcher) Hook(phase Phase, owner string, fn Handler) error {
	if fn == nil {
		return atterrors.NewRegistrationError("NIL_HANDLER", fmt.Sprintf("nil handler for %s from %s", phase, owner))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	regs, ok := d.handlers[phase]
	if !ok {
		return atterrors.UnknownHook(string(phase))
	}
	for _, r := range regs {
		if r.owner == owner {
			return atterrors.DuplicateHook(string(phase), owner)
		}
	}
	d.handlers[phase] = append(regs, registration{owner: owner, fn: fn})
	return nil
}

// Unhook removes the handler owner registered for phase. Removing an absent
// handler is a no-op.
func (d *Dispatcher) Unhook(phase Phase, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs, ok := d.handlers[phase]
	if !ok {
		return atterrors.UnknownHook(string(phase))
	}
	out := regs[:0:0]
	for _, r := range regs {
		if r.owner != owner {
			out = append(out, r)
		}
	}
	d.handlers[phase] = out
	return nil
}

// Owners returns the owners holding a handler for phase, in registration order.
func (d *Dispatcher) Owners(phase Phase) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	regs := d.handlers[phase]
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.owner)
	}
	return out
}

// Apply runs every handler of phase concurrently against its own copy of hc
// and returns the merged next version. On any failure the input context is
// returned together with every handler error joined.
func (d *Dispatcher) Apply(ctx context.Context, phase Phase, hc *Context) (*Context, error) {
	d.mu.RLock()
	regs, ok := d.handlers[phase]
	regs = append([]registration(nil), regs...)
	d.mu.RUnlock()

	if !ok {
		return hc, atterrors.UnknownHook(string(phase))
	}
	if hc == nil {
		hc = NewContext(nil, nil)
	}
	if len(regs) == 0 {
		return hc.merge(phase, nil)
	}

	forks := make([]*Context, len(regs))
	p := pool.New().WithErrors().WithContext(ctx)
	for i, r := range regs {
		fork := hc.fork()
		fork.Phase = phase
		forks[i] = fork
		p.Go(func(ctx context.Context) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%s panicked: %v", r.owner, rec)
				}
			}()
			if err := r.fn(ctx, fork); err != nil {
				return fmt.Errorf("%s: %w", r.owner, err)
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		d.logger.Warn(ctx, err, "hook handlers failed", "phase", phase, "handlers", len(regs))
		return hc, atterrors.NewHookError("HOOK_FAILED", fmt.Sprintf("phase %s", phase), err)
	}

	next, err := hc.merge(phase, forks)
	if err != nil {
		d.logger.Warn(ctx, err, "conflicting hook writes", "phase", phase)
		return hc, err
	}
	return next, nil
}
