package frequency

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Source supplies the authoritative set of taken frequencies, normally the
// durable channel store.
type Source interface {
	Frequencies(ctx context.Context) ([]string, error)
}

// gap is a half-open interval [start, end) of free tenths. The final gap is
// unbounded and its end is meaningless.
type gap struct {
	start     int64
	end       int64
	unbounded bool
}

func (g gap) contains(tenths int64) bool {
	return tenths >= g.start && (g.unbounded || tenths < g.end)
}

// searchCap bounds the in-gap forward walk when the cache is stale. The
// space is effectively unbounded, so hitting the cap means the cache and the
// store disagree wildly and the caller should rebuild.
const searchCap = 100000

type rebuild struct {
	done chan struct{}
	err  error

	// startMut is the mutation counter at the moment the rebuild began. A
	// snapshot read before a later Add or Remove must not clobber the
	// synchronously updated taken set, so a stale rebuild commits nothing.
	startMut uint64
}

// Allocator tracks which frequencies are taken and the gaps between them,
// answering "lowest free frequency ≥ X". The cache is derived from the
// Source and is always rebuildable; a generation counter lets callers detect
// staleness across the asynchronous rebuilds triggered by Add and Remove.
type Allocator struct {
	source Source
	log    zerolog.Logger

	mu         sync.Mutex
	taken      map[string]struct{}
	gaps       []gap
	generation uint64
	mutations  uint64
	inflight   *rebuild
}

// NewAllocator returns an allocator with an empty cache. Call Rebuild before
// serving lookups.
func NewAllocator(source Source, log zerolog.Logger) *Allocator {
	return &Allocator{
		source: source,
		log:    log.With().Str("component", "allocator").Logger(),
		taken:  make(map[string]struct{}),
	}
}

// Rebuild refreshes the cache from the Source. Concurrent callers share a
// single in-flight rebuild instead of issuing duplicate store queries.
func (a *Allocator) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	r := a.inflight
	if r == nil {
		r = &rebuild{done: make(chan struct{}), startMut: a.mutations}
		a.inflight = r
		go a.runRebuild(ctx, r)
	}
	a.mu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Allocator) runRebuild(ctx context.Context, r *rebuild) {
	raw, err := a.source.Frequencies(ctx)

	a.mu.Lock()
	if err == nil && r.startMut != a.mutations {
		// A mutation landed while the snapshot was being read; committing
		// it would resurrect the pre-mutation state. The mutator chains its
		// own rebuild behind this one.
		a.log.Debug().Msg("discarding stale gap cache rebuild")
	} else if err == nil {
		taken := make(map[string]struct{}, len(raw))
		for _, f := range raw {
			canonical, normErr := Normalize(f)
			if normErr != nil {
				a.log.Warn().Str("frequency", f).Msg("skipping malformed frequency from store")
				continue
			}
			taken[canonical] = struct{}{}
		}
		a.taken = taken
		a.gaps = computeGaps(taken)
		a.generation++
		a.log.Debug().Int("taken", len(taken)).Int("gaps", len(a.gaps)).
			Uint64("generation", a.generation).Msg("gap cache rebuilt")
	} else {
		a.log.Error().Err(err).Msg("gap cache rebuild failed")
	}
	a.inflight = nil
	r.err = err
	a.mu.Unlock()

	close(r.done)
}

// computeGaps derives the ordered free intervals from the taken set: one gap
// before the first taken frequency when it sits above the minimum, one
// between consecutive taken frequencies more than a step apart, and an
// unbounded gap after the last.
func computeGaps(taken map[string]struct{}) []gap {
	tenths := make([]int64, 0, len(taken))
	for f := range taken {
		t := mustTenths(f)
		if t >= minTenths {
			tenths = append(tenths, t)
		}
	}
	sort.Slice(tenths, func(i, j int) bool { return tenths[i] < tenths[j] })

	var gaps []gap
	prev := int64(minTenths - stepTenths)
	for _, cur := range tenths {
		if cur > prev+stepTenths {
			gaps = append(gaps, gap{start: prev + stepTenths, end: cur})
		}
		prev = cur
	}
	gaps = append(gaps, gap{start: prev + stepTenths, unbounded: true})
	return gaps
}

// FindLowest returns the lowest free frequency, optionally at or above a
// preferred one. A preferred frequency below the minimum or malformed falls
// back to searching from the minimum; a taken preferred frequency starts the
// search one step above it. The walk steps forward inside a gap whose
// boundary is itself marked taken, tolerating a stale cache.
func (a *Allocator) FindLowest(preferred string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	searchStart := int64(minTenths)
	if preferred != "" {
		canonical, err := Normalize(preferred)
		if err == nil {
			t := mustTenths(canonical)
			if t >= minTenths {
				if _, isTaken := a.taken[canonical]; !isTaken {
					if a.inGapLocked(t) {
						return canonical, true
					}
					a.log.Warn().Str("frequency", canonical).
						Msg("preferred frequency free but outside known gaps; cache may be stale")
					searchStart = t
				} else {
					searchStart = t + stepTenths
				}
			}
		}
	}

	for _, g := range a.gaps {
		candidate := g.start
		if candidate < searchStart {
			if !g.unbounded && g.end <= searchStart {
				continue
			}
			candidate = searchStart
		}
		for steps := 0; steps < searchCap && (g.unbounded || candidate < g.end); steps++ {
			if _, isTaken := a.taken[formatTenths(candidate)]; !isTaken {
				return formatTenths(candidate), true
			}
			candidate += stepTenths
		}
	}
	return "", false
}

// IsAvailable reports whether a frequency is free according to the cache:
// false when taken, true when inside a known gap, and false otherwise. A
// frequency the cache knows nothing about is treated as unavailable until
// the next rebuild rather than racing ahead of the store.
func (a *Allocator) IsAvailable(raw string) bool {
	canonical, err := Normalize(raw)
	if err != nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, isTaken := a.taken[canonical]; isTaken {
		return false
	}
	return a.inGapLocked(mustTenths(canonical))
}

func (a *Allocator) inGapLocked(tenths int64) bool {
	for _, g := range a.gaps {
		if g.contains(tenths) {
			return true
		}
	}
	return false
}

// Add marks a frequency taken and schedules an asynchronous rebuild.
// Callers needing the refreshed gap view await the returned channel; others
// may discard it and tolerate eventual consistency.
func (a *Allocator) Add(raw string) <-chan error {
	return a.mutate(raw, func(canonical string) {
		a.taken[canonical] = struct{}{}
	})
}

// Remove frees a frequency and schedules an asynchronous rebuild.
func (a *Allocator) Remove(raw string) <-chan error {
	return a.mutate(raw, func(canonical string) {
		delete(a.taken, canonical)
	})
}

func (a *Allocator) mutate(raw string, apply func(canonical string)) <-chan error {
	out := make(chan error, 1)
	canonical, err := Normalize(raw)
	if err != nil {
		out <- err
		return out
	}

	a.mu.Lock()
	apply(canonical)
	a.mutations++
	pending := a.inflight
	a.mu.Unlock()

	go func() {
		// A rebuild already in flight started from a pre-mutation snapshot;
		// wait it out so the follow-up rebuild observes the new state.
		if pending != nil {
			<-pending.done
		}
		out <- a.Rebuild(context.Background())
	}()
	return out
}

// Generation returns the monotonic rebuild counter.
func (a *Allocator) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}
