// Package storage keeps named, de-duplicated sets of values. The relay uses it
// to map an Instagram user id to the URLs of every site authorized under it.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/smallbiznis/instagram-connect/internal/settings"
)

// Storage is a set-valued key-value store. A value belongs to at most one
// name: adding it under a new name takes it from the previous one.
type Storage interface {
	// Key returns the backing key of name.
	Key(name string) string
	// Get returns the values of name, sorted. A missing name yields an empty slice.
	Get(ctx context.Context, name string) ([]string, error)
	// Add inserts value into name, removing it from any other name. Adding an
	// existing value is a no-op.
	Add(ctx context.Context, name, value string) error
	// Remove drops value from name and deletes name once it is empty.
	Remove(ctx context.Context, name, value string) error
	// Delete drops name entirely.
	Delete(ctx context.Context, name string) error
	// Move removes value from one name and adds it to another as one unit.
	Move(ctx context.Context, from, to, value string) error
}

// SitesStorage is the base name of the relay registry.
const SitesStorage = "sites_storage"

// ownersKey is the value → key index of base. The suffix cannot be produced
// by KeyFor for a numeric user id.
func ownersKey(base string) string {
	return KeyFor(base+"_owners", "index")
}

// KeyFor builds the sanitized key of name under base.
func KeyFor(base, name string) string {
	return settings.Key(name, settings.Prefix, base)
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	base   string
	mu     sync.RWMutex
	data   map[string]map[string]struct{}
	owners map[string]string
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage constructs an empty in-process storage.
func NewMemoryStorage(base string) *MemoryStorage {
	return &MemoryStorage{base: base, data: map[string]map[string]struct{}{}, owners: map[string]string{}}
}

func (m *MemoryStorage) Key(name string) string {
	return KeyFor(m.base, name)
}

func (m *MemoryStorage) Get(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.data[m.Key(name)]
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, nil
}

func (m *MemoryStorage) Add(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(m.Key(name), value)
	return nil
}

func (m *MemoryStorage) Remove(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(m.Key(name), value)
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.Key(name)
	for value := range m.data[key] {
		if m.owners[value] == key {
			delete(m.owners, value)
		}
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Move(_ context.Context, from, to, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(m.Key(from), value)
	m.addLocked(m.Key(to), value)
	return nil
}

func (m *MemoryStorage) addLocked(key, value string) {
	if owner, ok := m.owners[value]; ok && owner != key {
		m.removeLocked(owner, value)
	}
	m.owners[value] = key
	set, ok := m.data[key]
	if !ok {
		set = map[string]struct{}{}
		m.data[key] = set
	}
	set[value] = struct{}{}
}

func (m *MemoryStorage) removeLocked(key, value string) {
	set, ok := m.data[key]
	if !ok {
		return
	}
	delete(set, value)
	if m.owners[value] == key {
		delete(m.owners, value)
	}
	if len(set) == 0 {
		delete(m.data, key)
	}
}
