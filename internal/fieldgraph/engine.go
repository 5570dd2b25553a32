package fieldgraph

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
)

// Engine evaluates one page's rules. It is safe for concurrent use.
type Engine struct {
	rules   []Rule // dependency order
	targets map[string]struct{}
	logger  *slog.Logger

	mu       sync.Mutex
	snapshot map[string]string
	cycles   int
}

// New validates rules and orders them so every rule runs after the rules
// producing its sources. Duplicate targets and cycles are rejected.
func New(rules []Rule, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ordered, err := order(rules)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]struct{}, len(ordered))
	for _, r := range ordered {
		targets[r.Target] = struct{}{}
	}
	return &Engine{
		rules:    ordered,
		targets:  targets,
		logger:   logger,
		snapshot: make(map[string]string),
	}, nil
}

func order(rules []Rule) ([]Rule, error) {
	byTarget := make(map[string]int, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Target) == "" {
			return nil, fmt.Errorf("fieldgraph: rule %d has no target: %w", i, apperr.ErrInvalidInput)
		}
		if r.Compute == nil {
			return nil, fmt.Errorf("fieldgraph: rule %s has no compute func: %w", r.Target, apperr.ErrInvalidInput)
		}
		if _, dup := byTarget[r.Target]; dup {
			return nil, fmt.Errorf("fieldgraph: duplicate rule for %s: %w", r.Target, apperr.ErrInvalidInput)
		}
		byTarget[r.Target] = i
	}

	// Kahn's algorithm over rule-to-rule edges; input order breaks ties.
	indegree := make([]int, len(rules))
	dependents := make([][]int, len(rules))
	for i, r := range rules {
		for _, src := range r.Sources {
			j, ok := byTarget[src]
			if !ok {
				continue
			}
			if j == i {
				return nil, fmt.Errorf("fieldgraph: rule %s depends on itself: %w", r.Target, apperr.ErrInvalidInput)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	var ready []int
	for i := range rules {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]Rule, 0, len(rules))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, rules[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(out) != len(rules) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, rules[i].Target)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("fieldgraph: dependency cycle among %s: %w", strings.Join(stuck, ", "), apperr.ErrInvalidInput)
	}
	return out, nil
}

// IsDerived reports whether name is the target of a rule.
func (e *Engine) IsDerived(name string) bool {
	_, ok := e.targets[name]
	return ok
}

// Targets returns the derived field names in evaluation order.
func (e *Engine) Targets() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Target
	}
	return out
}

// Recompute evaluates every rule against fields and returns the targets
// whose value differs from the change snapshot. fields is not modified.
// A faulting rule aborts the whole cycle: the delta is empty and the
// snapshot is left untouched.
func (e *Engine) Recompute(fields models.Fields) models.Fields {
	computed, err := e.evaluate(fields)
	if err != nil {
		e.logger.Warn("fieldgraph: recompute skipped", slog.String("error", err.Error()))
		return models.Fields{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycles++
	delta := models.Fields{}
	for target, v := range computed {
		if prev, ok := e.snapshot[target]; ok && prev == v {
			continue
		}
		e.snapshot[target] = v
		delta[target] = v
	}
	return delta
}

// Evaluate computes every derived field without touching the snapshot.
func (e *Engine) Evaluate(fields models.Fields) (models.Fields, error) {
	computed, err := e.evaluate(fields)
	if err != nil {
		return nil, err
	}
	out := make(models.Fields, len(computed))
	for k, v := range computed {
		out[k] = v
	}
	return out, nil
}

func (e *Engine) evaluate(fields models.Fields) (map[string]string, error) {
	working := fields.Clone()
	computed := make(map[string]string, len(e.rules))
	for _, r := range e.rules {
		v, err := call(r, gather(r, working))
		if err != nil {
			return nil, err
		}
		s := Format(v, r.Decimals)
		working[r.Target] = s
		computed[r.Target] = s
	}
	return computed, nil
}

func call(r Rule, in Inputs) (v float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fieldgraph: rule %s panicked: %v: %w", r.Target, p, apperr.ErrComputeFault)
		}
	}()
	v, err = r.Compute(in)
	if err != nil {
		return 0, fmt.Errorf("fieldgraph: rule %s: %v: %w", r.Target, err, apperr.ErrComputeFault)
	}
	return Finite(v), nil
}

// Snapshot returns a copy of the last computed value per target.
func (e *Engine) Snapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.snapshot)
}

// Cycles returns how many recompute cycles completed.
func (e *Engine) Cycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

// Reset forgets the change snapshot, as on a fresh page load.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.snapshot = make(map[string]string)
	e.mu.Unlock()
}
