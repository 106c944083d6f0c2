// Package chatlock serializes turns per chat. Batches for the same chat run
// strictly one at a time in arrival order; different chats never block each
// other.
package chatlock

import (
	"context"
	"errors"
	"sync"
)

// ErrDraining is returned once Drain has begun; no new work is admitted.
var ErrDraining = errors.New("chatlock: draining")

type keyQueue struct {
	running bool
	waiters []chan struct{} // FIFO, cap-1 buffered
}

// Lock is a keyed FIFO mutex with a drain barrier for shutdown.
type Lock struct {
	mu       sync.Mutex
	keys     map[string]*keyQueue
	draining bool
	drainCh  chan struct{}
}

// New creates an empty Lock.
func New() *Lock {
	return &Lock{keys: make(map[string]*keyQueue)}
}

// RunExclusive runs fn while holding the key's slot and returns fn's error.
// Waiters are admitted in the order they arrived. If ctx is canceled before
// the slot is acquired, fn does not run and ctx.Err() is returned; fn itself
// is never interrupted. An error from fn still releases the slot.
func (l *Lock) RunExclusive(ctx context.Context, key string, fn func() error) error {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return ErrDraining
	}
	kq, ok := l.keys[key]
	if !ok {
		kq = &keyQueue{}
		l.keys[key] = kq
	}
	if !kq.running {
		kq.running = true
		l.mu.Unlock()
		defer l.release(key)
		return fn()
	}
	ch := make(chan struct{}, 1)
	kq.waiters = append(kq.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		defer l.release(key)
		return fn()
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ch:
			// The slot was handed to us while we were giving up; pass it on.
			l.mu.Unlock()
			l.release(key)
		default:
			for i, w := range kq.waiters {
				if w == ch {
					kq.waiters = append(kq.waiters[:i], kq.waiters[i+1:]...)
					break
				}
			}
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryRun runs fn only if the key's slot is free right now. The bool reports
// whether fn ran; the error is fn's own.
func (l *Lock) TryRun(key string, fn func() error) (bool, error) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return false, ErrDraining
	}
	kq, ok := l.keys[key]
	if ok && kq.running {
		l.mu.Unlock()
		return false, nil
	}
	if !ok {
		kq = &keyQueue{}
		l.keys[key] = kq
	}
	kq.running = true
	l.mu.Unlock()
	defer l.release(key)
	return true, fn()
}

func (l *Lock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kq, ok := l.keys[key]
	if !ok {
		return
	}
	if len(kq.waiters) > 0 {
		next := kq.waiters[0]
		kq.waiters = kq.waiters[1:]
		next <- struct{}{}
		return
	}
	delete(l.keys, key)
	if len(l.keys) == 0 && l.drainCh != nil {
		close(l.drainCh)
		l.drainCh = nil
	}
}

// InFlight reports how many keys currently hold or queue work.
func (l *Lock) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// QueueLen reports how many waiters sit behind the key's current holder.
func (l *Lock) QueueLen(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kq, ok := l.keys[key]; ok {
		return len(kq.waiters)
	}
	return 0
}

// Drain rejects new acquisitions and blocks until every in-flight holder and
// already queued waiter finishes, or ctx expires. A timed-out drain leaves
// the lock in the draining state.
func (l *Lock) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	for {
		l.mu.Lock()
		if len(l.keys) == 0 {
			l.mu.Unlock()
			return nil
		}
		if l.drainCh == nil {
			l.drainCh = make(chan struct{})
		}
		ch := l.drainCh
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
