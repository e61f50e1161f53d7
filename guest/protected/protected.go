// Package protected implements a dict-like mapping that rejects writes to a
// configurable set of protected keys through its normal mapping protocol,
// while still allowing a privileged bypass used only by host-initiated
// assignment. A guest environment's locals (and, by construction, its
// globals) are one of these.
package protected

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyError reports an attempt to modify or delete a protected key, named the
// way a Python KeyError would name it.
type KeyError struct {
	Key string
	Op  string // "modify" or "delete"
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("cannot %s protected key: %q", e.Op, e.Key)
}

// Mapping wraps a plain string-keyed dict, intercepting Set/Delete to
// enforce per-key write protection. Every read (Get, Len, Keys, Iter, String)
// delegates straight to the inner dict, so a Mapping is indistinguishable
// from a plain dict to anything that only reads it.
type Mapping struct {
	mu        sync.RWMutex
	dict      map[string]interface{}
	protected map[string]bool
}

// New returns an empty Mapping.
func New() *Mapping {
	return &Mapping{dict: make(map[string]interface{}), protected: make(map[string]bool)}
}

// NewFrom returns a Mapping seeded with a shallow copy of src's entries.
// Protection is never carried over from a source mapping.
func NewFrom(src *Mapping) *Mapping {
	m := New()
	src.mu.RLock()
	defer src.mu.RUnlock()
	for k, v := range src.dict {
		m.dict[k] = v
	}
	return m
}

// Get returns the value for key and whether it was present.
func (m *Mapping) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.dict[key]
	return v, ok
}

// Set writes key through the mapping protocol: a protected key is refused
// with a *KeyError regardless of value.
func (m *Mapping) Set(key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.protected[key] {
		return &KeyError{Key: key, Op: "modify"}
	}
	m.dict[key] = value
	return nil
}

// Delete removes key through the mapping protocol: a protected key is
// refused with a *KeyError.
func (m *Mapping) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.protected[key] {
		return &KeyError{Key: key, Op: "delete"}
	}
	delete(m.dict, key)
	return nil
}

// Len returns the number of entries in the inner dict.
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dict)
}

// Keys returns the inner dict's keys in sorted order, the same order Iter
// and Dir yield.
func (m *Mapping) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.dict))
	for k := range m.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Iter is an alias for Keys, matching the guest mapping protocol's
// __iter__, which iterates keys, not (key, value) pairs.
func (m *Mapping) Iter() []string { return m.Keys() }

// Dir is an alias for Keys, matching the guest mapping protocol's __dir__.
func (m *Mapping) Dir() []string { return m.Keys() }

// String renders the mapping the same way its inner dict would render
// itself, so wrapping a dict in a Mapping is unobservable from repr/str.
func (m *Mapping) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.dict))
	for k := range m.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		valueJSON, err := json.Marshal(m.dict[k])
		if err != nil {
			valueJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(m.dict[k])))
		}
		fmt.Fprintf(&b, "%q: %s", k, valueJSON)
	}
	b.WriteByte('}')
	return b.String()
}

// Protect marks key as write-protected: subsequent Set/Delete calls against
// it fail with a *KeyError until Unprotect is called.
func (m *Mapping) Protect(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[key] = true
}

// Unprotect removes key's write protection. It is not exposed to guest code,
// and no code path in this module calls it.
func (m *Mapping) Unprotect(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.protected, key)
}

// IsProtected reports whether key is currently write-protected.
func (m *Mapping) IsProtected(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.protected[key]
}

// ProtectedKeys returns every currently protected key.
func (m *Mapping) ProtectedKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.protected))
	for k := range m.protected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bypass returns a handle that writes directly to the inner dict, ignoring
// protection. Only host-side paths use it (Assign, installing an
// environment's builtins, and InitLocalFrom's copy of another environment's
// values); it exists because the host is explicitly trusted to overwrite
// protected values the guest itself cannot touch.
func (m *Mapping) Bypass() *bypass { return &bypass{m} }

type bypass struct{ m *Mapping }

// Set writes key unconditionally, ignoring protection.
func (b *bypass) Set(key string, value interface{}) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.m.dict[key] = value
}

// Dict returns the inner dict directly. The guest runtime binds this as the
// exec scope's globals, while the Mapping itself is bound as locals: Python's
// rule that a bare top-level `x = 1` writes through locals, which for module-
// level code is the same object as globals, is what makes top-level
// assignment go through Set (and its protection check) while the runtime's
// own internal bookkeeping can still read/write the raw dict directly.
func (m *Mapping) Dict() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dict
}
