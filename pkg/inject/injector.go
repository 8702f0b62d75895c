// Package inject decides, per filesystem call, whether a rule fires and
// applies the resulting fault to the call's result.
package inject

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

type Options struct {
	// Seed initializes the sampler. Zero picks a seed from the clock.
	Seed   uint64
	Logger *logrus.Entry
}

// Injector evaluates an immutable rule set against each call. The rule set
// can be replaced as a whole; the sampler is seeded once in New and is shared
// by every caller.
type Injector struct {
	rules atomic.Pointer[rule.Set]
	seed  uint64
	log   *logrus.Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	evaluated atomic.Uint64
	matched   atomic.Uint64
	delays    atomic.Uint64
	failures  atomic.Uint64
	corrupts  atomic.Uint64
	overrides atomic.Uint64
}

// New builds an injector over rules.
func New(rules []rule.Rule, opts Options) (*Injector, error) {
	set, err := rule.NewSet(rules)
	if err != nil {
		return nil, errx.Wrap(ErrLoadRules, err)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	i := &Injector{
		seed: seed,
		log:  log,
		rng:  rand.New(rand.NewPCG(seed, seed)),
	}
	i.rules.Store(set)
	return i, nil
}

// Update swaps in a new rule set. The sampler keeps its state.
func (i *Injector) Update(rules []rule.Rule) error {
	set, err := rule.NewSet(rules)
	if err != nil {
		return errx.Wrap(ErrLoadRules, err)
	}
	i.rules.Store(set)
	i.log.WithField("rules", set.Len()).Info("injection rules updated")
	return nil
}

// Rules returns the active rules in declaration order.
func (i *Injector) Rules() []rule.Rule {
	return i.rules.Load().Rules()
}

// Seed returns the seed the sampler started from.
func (i *Injector) Seed() uint64 {
	return i.seed
}

// Decide evaluates the rule set once for a call. The returned Decision is the
// only verdict for that call.
func (i *Injector) Decide(op rule.Op, path string) Decision {
	i.evaluated.Add(1)
	r, ok := i.rules.Load().Match(op, path)
	if !ok {
		return Decision{}
	}
	i.matched.Add(1)
	if !r.Fault.Kind.Applies(op) {
		return Decision{}
	}

	d := Decision{Rule: r}
	switch {
	case r.Probability <= 0:
		return d
	case r.Probability >= 1:
		d.Fire = true
		if needsEntropy(r) {
			i.rngMu.Lock()
			d.entropy = i.rng.Uint64()
			i.rngMu.Unlock()
		}
	default:
		i.rngMu.Lock()
		d.Fire = i.rng.Float64() < r.Probability
		if d.Fire && needsEntropy(r) {
			d.entropy = i.rng.Uint64()
		}
		i.rngMu.Unlock()
	}
	if !d.Fire {
		return d
	}

	if r.Fault.Kind == rule.FaultError {
		d.errno = pickErrno(r.Fault.Errnos, d.entropy)
	}
	i.count(r.Fault.Kind)
	i.log.WithFields(logrus.Fields{
		"op":    op,
		"path":  path,
		"rule":  r.Label(),
		"fault": r.Fault.Kind,
	}).Debug("injecting fault")
	return d
}

// Before decides for a call and applies the faults that act before the real
// operation: it sleeps for delay faults and returns the errno of error faults.
// A non-zero errno means the real operation must not be performed, except for
// release where the caller still closes and then reports the errno.
func (i *Injector) Before(ctx context.Context, op rule.Op, path string) (Decision, syscall.Errno) {
	d := i.Decide(op, path)
	if !d.Fire {
		return d, 0
	}
	switch d.Rule.Fault.Kind {
	case rule.FaultDelay:
		if err := sleep(ctx, d.Rule.Fault.Delay); err != nil {
			return d, syscall.EINTR
		}
	case rule.FaultError:
		return d, d.errno
	case rule.FaultCorrupt, rule.FaultAttr:
	}
	return d, 0
}

func (i *Injector) count(kind rule.FaultKind) {
	switch kind {
	case rule.FaultDelay:
		i.delays.Add(1)
	case rule.FaultError:
		i.failures.Add(1)
	case rule.FaultCorrupt:
		i.corrupts.Add(1)
	case rule.FaultAttr:
		i.overrides.Add(1)
	}
}

// Stats are cumulative injector counters.
type Stats struct {
	Evaluated uint64 `json:"evaluated"`
	Matched   uint64 `json:"matched"`
	Delays    uint64 `json:"delays"`
	Errors    uint64 `json:"errors"`
	Corrupts  uint64 `json:"corrupts"`
	Overrides uint64 `json:"overrides"`
}

// Injected returns the number of calls that received a fault.
func (s Stats) Injected() uint64 {
	return s.Delays + s.Errors + s.Corrupts + s.Overrides
}

func (i *Injector) Stats() Stats {
	return Stats{
		Evaluated: i.evaluated.Load(),
		Matched:   i.matched.Load(),
		Delays:    i.delays.Load(),
		Errors:    i.failures.Load(),
		Corrupts:  i.corrupts.Load(),
		Overrides: i.overrides.Load(),
	}
}

func needsEntropy(r *rule.Rule) bool {
	switch r.Fault.Kind {
	case rule.FaultCorrupt:
		return true
	case rule.FaultError:
		return len(r.Fault.Errnos) > 1
	}
	return false
}

func pickErrno(choices []rule.WeightedErrno, entropy uint64) syscall.Errno {
	if len(choices) == 1 {
		return choices[0].Errno
	}
	var total uint64
	for _, c := range choices {
		total += uint64(c.Weight)
	}
	n := entropy % total
	for _, c := range choices {
		if n < uint64(c.Weight) {
			return c.Errno
		}
		n -= uint64(c.Weight)
	}
	return choices[len(choices)-1].Errno
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
