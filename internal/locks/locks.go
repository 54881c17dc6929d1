// Package locks serializes work per key (an account or an instrument id) with
// bounded waits. A caller that cannot obtain its keys in time fails closed
// instead of hanging.
package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
)

// Set hands out one token per key. Each token is a buffered channel of size 1,
// so acquiring is a send and releasing is a receive. A key's entry lives only
// while some caller holds or waits on it.
type Set struct {
	mu     sync.Mutex
	tokens map[string]*token
}

type token struct {
	ch   chan struct{}
	refs int
}

func NewSet() *Set {
	return &Set{tokens: make(map[string]*token)}
}

func (s *Set) ref(key string) *token {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[key]
	if !ok {
		t = &token{ch: make(chan struct{}, 1)}
		s.tokens[key] = t
	}
	t.refs++
	return t
}

func (s *Set) unref(key string, t *token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.refs--
	if t.refs == 0 {
		delete(s.tokens, key)
	}
}

// Acquire locks every key, in sorted order so that overlapping callers cannot
// deadlock. It returns a release func, or a Busy error once timeout elapses.
// Duplicate keys are locked once.
func (s *Set) Acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	const op = "locks.acquire"
	ordered := dedupe(keys)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	held := make([]*token, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			s.unref(ordered[i], held[i])
		}
	}

	for _, key := range ordered {
		t := s.ref(key)
		select {
		case t.ch <- struct{}{}:
			held = append(held, t)
		case <-timer.C:
			s.unref(key, t)
			release()
			return nil, apperr.E(apperr.Busy, op, "timed out waiting for %s", key)
		case <-ctx.Done():
			s.unref(key, t)
			release()
			return nil, apperr.Wrap(apperr.Busy, op, ctx.Err())
		}
	}
	return release, nil
}

// TryAcquire locks key only if it is free right now.
func (s *Set) TryAcquire(key string) (func(), bool) {
	t := s.ref(key)
	select {
	case t.ch <- struct{}{}:
		return func() {
			<-t.ch
			s.unref(key, t)
		}, true
	default:
		s.unref(key, t)
		return nil, false
	}
}

func dedupe(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
