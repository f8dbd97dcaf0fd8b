package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// alignment is the rounding applied to requested chunk sizes. Sizes within
// the same aligned class merge into one pool, easing sharing.
const alignment = 16

// Flags alter how a pool is created.
type Flags uint

const (
	// Shared allows a pool to be merged with another pool of the exact
	// same rounded size, provided both call sites opted in.
	Shared Flags = 1 << iota
)

var (
	// ErrExhausted is returned by [Pool.Get] when the pool reached its
	// configured limit and no free chunk could be reclaimed.
	ErrExhausted = errors.New("pool exhausted")
	// ErrInUse is returned by [Pool.Destroy] while chunks are still
	// handed out.
	ErrInUse = errors.New("pool still in use")
)

// Registry owns a set of size-classed pools. It replaces a process-global
// pool list: construct one per process context and inject it everywhere a
// pool is needed. The zero value is not usable; use [NewRegistry].
type Registry struct {
	mu     sync.Mutex
	pools  []*Pool // ordered by ascending chunk size
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for allocation lifecycle events.
// Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = log
	}
}

// NewRegistry creates an empty pool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Pool hands out fixed-size byte chunks from a free list, growing on
// demand. Chunks returned by Get have undefined content.
type Pool struct {
	reg   *Registry
	name  string
	size  int
	flags Flags

	free      [][]byte
	allocated int // live chunks, free and used alike
	used      int // chunks currently handed out
	users     int // Create call sites sharing this pool
	minAvail  int // chunks GC must leave allocated
	limit     int // max allocated, 0 means unbounded
}

// Create returns a pool of chunks of the given size, rounded up to the
// registry alignment. If a pool of the identical rounded size already
// exists and both it and this call carry [Shared], the existing pool is
// returned and its user count incremented; the original creator's name is
// kept. Otherwise a new pool is inserted, keeping the registry ordered by
// size.
func (r *Registry) Create(name string, size int, flags Flags) *Pool {
	size = (size + alignment - 1) &^ (alignment - 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	at := len(r.pools)
	for i, entry := range r.pools {
		if entry.size == size {
			if flags&entry.flags&Shared != 0 {
				entry.users++
				r.logger.Debug("pool shared", "name", entry.name, "with", name, "size", size, "users", entry.users)
				return entry
			}
		} else if entry.size > size {
			at = i
			break
		}
	}

	p := &Pool{
		reg:   r,
		name:  name,
		size:  size,
		flags: flags,
		users: 1,
	}
	r.pools = append(r.pools[:at], append([]*Pool{p}, r.pools[at:]...)...)
	r.logger.Debug("pool created", "name", name, "size", size, "shared", flags&Shared != 0)

	return p
}

// Name returns the name given by the pool's first creator.
func (p *Pool) Name() string { return p.name }

// Size returns the rounded chunk size.
func (p *Pool) Size() int { return p.size }

// SetMinAvail sets the number of chunks [Registry.GC] must leave
// allocated for this pool, reserving a floor for latency-sensitive users.
func (p *Pool) SetMinAvail(n int) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	p.minAvail = n
}

// SetLimit caps the number of chunks the pool may keep allocated.
// Zero removes the cap.
func (p *Pool) SetLimit(n int) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	p.limit = n
}

// Get returns a chunk of exactly Size bytes for immediate use, taking it
// from the free list when possible. It fails with [ErrExhausted] once the
// configured limit is reached and every allocated chunk is in use.
func (p *Pool) Get() ([]byte, error) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	if n := len(p.free); n > 0 {
		chunk := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.used++
		return chunk, nil
	}

	if p.limit > 0 && p.allocated >= p.limit {
		return nil, fmt.Errorf("pool %s: %w", p.name, ErrExhausted)
	}

	p.allocated++
	p.used++

	return make([]byte, p.size), nil
}

// Put returns a chunk obtained from Get to the free list. A nil chunk is
// ignored, so callers may Put unconditionally on teardown paths.
func (p *Pool) Put(chunk []byte) {
	if chunk == nil {
		return
	}

	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	p.free = append(p.free, chunk[:p.size])
	p.used--
}

// Flush releases every chunk on the free list, regardless of minAvail.
// Chunks currently handed out are unaffected.
func (p *Pool) Flush() {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	p.flushLocked()
}

func (p *Pool) flushLocked() {
	p.allocated -= len(p.free)
	p.free = nil
}

// Destroy drops one user of the pool. The last user's Destroy flushes the
// free list and unlinks the pool from its registry; it fails with
// [ErrInUse] if chunks are still handed out.
func (p *Pool) Destroy() error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	if p.users > 1 {
		p.users--
		return nil
	}

	if p.used > 0 {
		return fmt.Errorf("pool %s: %d chunks handed out: %w", p.name, p.used, ErrInUse)
	}

	p.flushLocked()
	p.users = 0

	r := p.reg
	for i, entry := range r.pools {
		if entry == p {
			r.pools = append(r.pools[:i], r.pools[i+1:]...)
			break
		}
	}
	r.logger.Debug("pool destroyed", "name", p.name, "size", p.size)

	return nil
}

// GC walks every pool and trims free lists, respecting each pool's
// minAvail threshold and never reducing allocated below the number of
// chunks in use.
func (r *Registry) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pools {
		for len(p.free) > 0 && p.allocated > p.minAvail && p.allocated > p.used {
			p.free[len(p.free)-1] = nil
			p.free = p.free[:len(p.free)-1]
			p.allocated--
		}
	}
}

// Stat is a point-in-time snapshot of one pool.
type Stat struct {
	Name      string
	Size      int
	Allocated int
	Used      int
	Free      int
	Users     int
	MinAvail  int
	Shared    bool
}

// Stats snapshots every pool in size order.
func (r *Registry) Stats() []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stat, 0, len(r.pools))
	for _, p := range r.pools {
		stats = append(stats, Stat{
			Name:      p.name,
			Size:      p.size,
			Allocated: p.allocated,
			Used:      p.used,
			Free:      len(p.free),
			Users:     p.users,
			MinAvail:  p.minAvail,
			Shared:    p.flags&Shared != 0,
		})
	}

	return stats
}
