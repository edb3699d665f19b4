// Package membership tells the recovery manager which workers are alive.
//
// Three implementations are provided: Static for tests and single-process
// deployments, Directory for workers sharing a filesystem (heartbeat files
// watched with fsnotify) and Store for workers sharing the state store
// (the workers table).
package membership

import (
	"context"
	"sort"
	"sync"
)

// Membership reports live workers and announces changes.
type Membership interface {
	// LiveWorkers returns the ids of workers currently considered alive.
	LiveWorkers(ctx context.Context) (map[string]struct{}, error)

	// Subscribe registers fn to be called after the live set changes.
	// The returned function removes the subscription.
	Subscribe(fn func()) func()
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func()
}

func (n *notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[uint64]func())
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	subs := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Static is a fixed membership that can be changed by hand.
type Static struct {
	notifier
	mu   sync.RWMutex
	live map[string]struct{}
}

// NewStatic returns a membership containing ids.
func NewStatic(ids ...string) *Static {
	s := &Static{}
	s.live = toSet(ids)
	return s
}

// LiveWorkers implements Membership.
func (s *Static) LiveWorkers(context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.live), nil
}

// Set replaces the live set and notifies subscribers.
func (s *Static) Set(ids ...string) {
	s.mu.Lock()
	s.live = toSet(ids)
	s.mu.Unlock()
	s.notify()
}

// Names returns a sorted list of set members.
func Names(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for id := range set {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
