package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu     sync.Mutex
	stamps []time.Time // 升序
	dead   bool        // 已被 Prune 移出 map
}

// evict drops every stamp with now - ts >= window
func (w *window) evict(now time.Time, size time.Duration) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= size {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// MemoryLimiter keeps one window per identity in process memory. Each window
// has its own mutex; identities never contend with each other.
type MemoryLimiter struct {
	cfg     Config
	now     func() time.Time
	windows sync.Map // identity -> *window
}

// NewMemoryLimiter creates an in-process sliding window limiter
func NewMemoryLimiter(cfg Config, opts ...Option) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &MemoryLimiter{cfg: cfg, now: o.now}, nil
}

// lockWindow returns the live window for identity with its mutex held
func (l *MemoryLimiter) lockWindow(identity string) *window {
	for {
		v, _ := l.windows.LoadOrStore(identity, &window{})
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

func (l *MemoryLimiter) decision(w *window, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     l.cfg.MaxCalls,
		Remaining: l.cfg.MaxCalls - len(w.stamps),
		Window:    l.cfg.Window,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(w.stamps) > 0 {
		d.ResetAt = w.stamps[0].Add(l.cfg.Window)
	}
	return d
}

// Allow evicts expired calls, then records and admits the call if a slot is free.
func (l *MemoryLimiter) Allow(_ context.Context, identity string) (Decision, error) {
	now := l.now()
	w := l.lockWindow(identity)
	defer w.mu.Unlock()

	w.evict(now, l.cfg.Window)
	if len(w.stamps) >= l.cfg.MaxCalls {
		return l.decision(w, false), nil
	}
	w.stamps = append(w.stamps, now)
	return l.decision(w, true), nil
}

// Info reports the current window without recording a call
func (l *MemoryLimiter) Info(_ context.Context, identity string) (Decision, error) {
	now := l.now()
	w := l.lockWindow(identity)
	defer w.mu.Unlock()

	w.evict(now, l.cfg.Window)
	return l.decision(w, len(w.stamps) < l.cfg.MaxCalls), nil
}

// Reset forgets every recorded call of identity
func (l *MemoryLimiter) Reset(_ context.Context, identity string) error {
	w := l.lockWindow(identity)
	w.stamps = w.stamps[:0]
	w.mu.Unlock()
	return nil
}

// Prune removes windows that hold no live calls and returns how many went.
func (l *MemoryLimiter) Prune() int {
	now := l.now()
	removed := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		w.evict(now, l.cfg.Window)
		if len(w.stamps) == 0 && !w.dead {
			w.dead = true
			l.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len reports how many identities currently have a window
func (l *MemoryLimiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
