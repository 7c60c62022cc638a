// Package cancel keeps the single authority over cancellation handles for
// in-flight operations, keyed by operation kind and caller-chosen key.
package cancel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/taskd/internal/model"
)

var (
	// ErrNotRunning is returned when cancelling a key with no live handle.
	ErrNotRunning = errors.New("operation is not running")

	// ErrKeyInUse is returned by Acquire under the reject conflict policy.
	ErrKeyInUse = errors.New("operation key already in use")

	// ErrNotCancellable is returned by Acquire for point-in-time kinds.
	ErrNotCancellable = errors.New("operation kind is not cancellable")
)

// ConflictPolicy decides what Acquire does with an occupied key.
type ConflictPolicy int

const (
	// Replace overwrites the existing handle; its owner is orphaned.
	Replace ConflictPolicy = iota
	// Reject refuses the second Acquire with ErrKeyInUse.
	Reject
)

// ParseConflictPolicy reads the config value; empty means Replace.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "replace":
		return Replace, nil
	case "reject":
		return Reject, nil
	default:
		return Replace, fmt.Errorf("unknown conflict policy %q", s)
	}
}

type handle struct {
	kind model.OperationKind
	key  string
	src  *source
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithConflictPolicy sets how Acquire treats an occupied key.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// Registry maps (kind, key) to a live cancellation handle. Buckets are fixed
// at construction and each is a sync.Map, so no call holds a registry-wide
// lock.
type Registry struct {
	buckets map[model.OperationKind]*sync.Map
	policy  ConflictPolicy
	logger  *zap.SugaredLogger
}

// NewRegistry creates one empty bucket per operation kind.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		buckets: make(map[model.OperationKind]*sync.Map, len(model.AllKinds)),
		logger:  zap.NewNop().Sugar(),
	}
	for _, k := range model.AllKinds {
		r.buckets[k] = &sync.Map{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lease is what Acquire hands to the operation: the derived Token plus a
// Release that only ever removes this lease's own handle.
type Lease struct {
	r    *Registry
	h    *handle
	once sync.Once
}

func (l *Lease) Token() Token { return l.h.src.token }

func (l *Lease) Key() string { return l.h.key }

// Cancel signals this lease's own source, even after it was replaced.
func (l *Lease) Cancel(cause error) {
	l.h.src.signal(cause)
}

// Release removes the handle if it is still the one stored under the key.
// A handle that was replaced by a later Acquire leaves the newer entry alone.
func (l *Lease) Release() {
	l.once.Do(func() {
		bucket := l.r.buckets[l.h.kind]
		if !bucket.CompareAndDelete(l.h.key, l.h) {
			l.r.logger.Debugw("release of replaced handle", "kind", l.h.kind, "key", l.h.key)
		}
	})
}

// Acquire stores a fresh cancel-source under (kind, key). It never blocks.
func (r *Registry) Acquire(kind model.OperationKind, key string) (*Lease, error) {
	if !kind.Cancellable() {
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, kind)
	}
	bucket := r.buckets[kind]
	h := &handle{kind: kind, key: key, src: newSource()}

	switch r.policy {
	case Reject:
		if _, loaded := bucket.LoadOrStore(key, h); loaded {
			return nil, fmt.Errorf("%w: %s %q", ErrKeyInUse, kind, key)
		}
	default:
		if _, loaded := bucket.Swap(key, h); loaded {
			r.logger.Warnw("cancellation handle replaced", "kind", kind, "key", key)
		}
	}
	return &Lease{r: r, h: h}, nil
}

// Release removes the entry for key unconditionally; no-op if absent.
func (r *Registry) Release(kind model.OperationKind, key string) {
	if bucket, ok := r.buckets[kind]; ok {
		bucket.Delete(key)
	}
}

// CancelOne signals the handle at (kind, key). The entry stays until its
// owner releases it.
func (r *Registry) CancelOne(kind model.OperationKind, key string, cause error) error {
	bucket, ok := r.buckets[kind]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrNotRunning, kind, key)
	}
	v, ok := bucket.Load(key)
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrNotRunning, kind, key)
	}
	v.(*handle).src.signal(cause)
	r.logger.Infow("operation cancel requested", "kind", kind, "key", key)
	return nil
}

// CancelAll signals every live handle of kind and returns how many it saw.
func (r *Registry) CancelAll(kind model.OperationKind, cause error) int {
	bucket, ok := r.buckets[kind]
	if !ok {
		return 0
	}
	n := 0
	bucket.Range(func(_, v any) bool {
		v.(*handle).src.signal(cause)
		n++
		return true
	})
	if n > 0 {
		r.logger.Infow("operations cancel requested", "kind", kind, "count", n)
	}
	return n
}

// CancelEverything applies CancelAll to every kind.
func (r *Registry) CancelEverything(cause error) int {
	n := 0
	for _, k := range model.AllKinds {
		n += r.CancelAll(k, cause)
	}
	return n
}

// Keys returns a sorted snapshot of the live keys for kind.
func (r *Registry) Keys(kind model.OperationKind) []string {
	bucket, ok := r.buckets[kind]
	if !ok {
		return nil
	}
	var keys []string
	bucket.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len(kind model.OperationKind) int {
	return len(r.Keys(kind))
}
