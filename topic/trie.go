package topic

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

type node[K comparable] struct {
	path string // 路由过滤器的一层
	subs map[K]byte
	next map[string]*node[K]
}

func newNode[K comparable](path string) *node[K] {
	return &node[K]{path: path, subs: make(map[K]byte), next: make(map[string]*node[K])}
}

func (n *node[K]) paths() []string {
	v := make([]string, 0, len(n.next))
	for k := range n.next {
		v = append(v, k)
	}
	slices.Sort(v)
	return v
}

func (n *node[K]) print(w io.Writer, m int) {
	paths := n.paths()
	_, _ = fmt.Fprintf(w, "%spath=%q, subs=%d, next=%q\n", strings.Repeat("\t", m), n.path, len(n.subs), paths)
	for _, path := range paths {
		n.next[path].print(w, m+1)
	}
}

// collect walks the levels of a published name and gathers every
// subscriber whose filter matches, keeping the highest granted QoS.
func (n *node[K]) collect(levels []string, dollar bool, out map[K]byte) {
	if next, ok := n.next["#"]; ok && !dollar {
		merge(out, next.subs)
	}
	if len(levels) == 0 {
		merge(out, n.subs)
		return
	}
	if next, ok := n.next["+"]; ok && !dollar {
		next.collect(levels[1:], false, out)
	}
	if next, ok := n.next[levels[0]]; ok {
		next.collect(levels[1:], false, out)
	}
}

func merge[K comparable](dst, src map[K]byte) {
	for k, qos := range src {
		if old, ok := dst[k]; !ok || qos > old {
			dst[k] = qos
		}
	}
}

// Trie indexes subscriptions by filter level. K identifies a subscriber.
type Trie[K comparable] struct {
	mu   sync.RWMutex
	root *node[K] // 主题过滤树
}

func NewTrie[K comparable]() *Trie[K] {
	return &Trie[K]{root: newNode[K]("")}
}

// Subscribe records key under filter with the granted QoS. A second
// subscription to the same filter replaces the QoS.
func (t *Trie[K]) Subscribe(filter string, key K, qos byte) error {
	if !ValidFilter(filter) {
		return fmt.Errorf("%w: filter=%q", ErrInvalid, filter)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.root
	for _, level := range Split(filter) {
		next, ok := current.next[level]
		if !ok {
			next = newNode[K](level)
			current.next[level] = next
		}
		current = next
	}
	current.subs[key] = qos
	return nil
}

// Unsubscribe removes key from filter and prunes empty branches.
// It reports whether the subscription existed.
func (t *Trie[K]) Unsubscribe(filter string, key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	levels := Split(filter)
	trail := []*node[K]{t.root}
	current := t.root
	for _, level := range levels {
		next, ok := current.next[level]
		if !ok {
			return false
		}
		trail = append(trail, next)
		current = next
	}
	if _, ok := current.subs[key]; !ok {
		return false
	}
	delete(current.subs, key)
	for i := len(trail) - 1; i > 0; i-- {
		n := trail[i]
		if len(n.subs) > 0 || len(n.next) > 0 {
			break
		}
		delete(trail[i-1].next, n.path)
	}
	return true
}

// UnsubscribeAll drops every subscription held by key and returns the
// filters that were removed.
func (t *Trie[K]) UnsubscribeAll(key K) []string {
	filters := t.Filters(key)
	for filter := range filters {
		t.Unsubscribe(filter, key)
	}
	return slices.Sorted(maps.Keys(filters))
}

// Filters returns the filters key is subscribed to with their QoS.
func (t *Trie[K]) Filters(key K) map[string]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]byte)
	var walk func(n *node[K], prefix []string)
	walk = func(n *node[K], prefix []string) {
		if qos, ok := n.subs[key]; ok {
			out[strings.Join(prefix, "/")] = qos
		}
		for path, next := range n.next {
			walk(next, append(slices.Clip(prefix), path))
		}
	}
	for path, next := range t.root.next {
		walk(next, []string{path})
	}
	return out
}

// Match returns every subscriber whose filter matches the topic name,
// mapped to the highest QoS it was granted.
func (t *Trie[K]) Match(name string) map[K]byte {
	out := make(map[K]byte)
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.root.collect(Split(name), strings.HasPrefix(name, "$"), out)
	return out
}

func (t *Trie[K]) Print(w io.Writer) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.root.print(w, 0)
}
