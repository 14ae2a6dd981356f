// Package variables implements the shared variable table used to template
// request URLs, bodies and headers (API keys, auth tokens).
//
// Placeholders have the form [[NAME]]. Producers whose response action is
// "store_variable" write into the table; every other producer reads from it.
package variables

import (
	"sort"
	"strings"
	"sync"
)

const (
	openToken  = "[["
	closeToken = "]]"
)

// Pair is one extracted name/value to store.
type Pair struct {
	Name  string
	Value string
}

// Store is a concurrency-safe string table.
//
// All methods take the lock exactly once and never call back into the store
// while holding it. Zero value is not usable; use New.
type Store struct {
	mu   sync.RWMutex
	vars map[string]string
}

// New returns an empty store, optionally seeded with initial values.
func New(seed map[string]string) *Store {
	s := &Store{vars: make(map[string]string, len(seed))}
	for k, v := range seed {
		s.vars[k] = v
	}
	return s
}

// Get returns the value stored under name.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	v, ok := s.vars[name]
	s.mu.RUnlock()
	return v, ok
}

// Set stores value under name. Last writer wins.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// SetPairs stores a batch under one exclusive lock, so readers never observe
// half of a fire's pairs.
func (s *Store) SetPairs(pairs []Pair) {
	if len(pairs) == 0 {
		return
	}
	s.mu.Lock()
	for _, p := range pairs {
		s.vars[p.Name] = p.Value
	}
	s.mu.Unlock()
}

// Len returns the number of stored variables.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.vars)
	s.mu.RUnlock()
	return n
}

// Names returns the stored variable names, sorted.
// Values are not returned; they are often secrets.
func (s *Store) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.vars))
	for k := range s.vars {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the table.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	s.mu.RUnlock()
	return out
}

// Substitute replaces every [[NAME]] token in tmpl with the stored value,
// percent-encoded when encode is true. Unknown names become "".
//
// The template is scanned once, left to right. Inserted values are never
// rescanned, so a value containing "[[" or "]]" is emitted verbatim and the
// call always terminates. A "[[" with no closing "]]" after it ends the scan
// and the remainder is copied unchanged.
func (s *Store) Substitute(tmpl string, encode bool) string {
	if !strings.Contains(tmpl, openToken) {
		return tmpl
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	b.Grow(len(tmpl))
	rest := tmpl
	for {
		start := strings.Index(rest, openToken)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+len(openToken):], closeToken)
		if end < 0 {
			break
		}
		end += start + len(openToken)

		b.WriteString(rest[:start])
		if v, ok := s.vars[rest[start+len(openToken):end]]; ok {
			if encode {
				v = PercentEncode(v)
			}
			b.WriteString(v)
		}
		rest = rest[end+len(closeToken):]
	}
	b.WriteString(rest)
	return b.String()
}

// Placeholders lists the distinct variable names referenced by tmpl, in order
// of first appearance.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]struct{}{}
	rest := tmpl
	for {
		start := strings.Index(rest, openToken)
		if start < 0 {
			return out
		}
		end := strings.Index(rest[start+len(openToken):], closeToken)
		if end < 0 {
			return out
		}
		end += start + len(openToken)
		name := rest[start+len(openToken) : end]
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
		rest = rest[end+len(closeToken):]
	}
}
