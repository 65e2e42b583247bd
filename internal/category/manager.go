// Package category owns the lifecycle of per-category storage adapters: lazy
// creation, a bounded LRU cache of open adapters, and category directory
// operations. It knows nothing about graph semantics.
package category

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/memgrove/memgrove/internal/storage"
)

// DefaultCapacity bounds the number of simultaneously open category adapters.
const DefaultCapacity = 50

// dbFileName is the storage unit inside each category directory.
const dbFileName = "graph.db"

// ErrInvalidName rejects category names that are empty, hidden, or contain
// characters outside [a-z0-9-_].
var ErrInvalidName = errors.New("category: invalid category name")

var nameRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName enforces the category naming rules. Category names map
// directly to filesystem paths, so this is the only defense against
// traversal out of the base directory.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [a-z0-9-_]", ErrInvalidName, name)
	}
	return nil
}

// Manager hands out storage adapters keyed by category name. At most one
// adapter exists per category at any time; the cache is the only shared
// mutable state in the system and every mutation of it happens under mu.
type Manager struct {
	baseDir  string
	capacity int
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	group singleflight.Group
}

type cacheEntry struct {
	name  string
	store *storage.Store
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity overrides the default adapter cache capacity.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithLogger attaches a logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a manager rooted at baseDir. The directory is created
// lazily on first category access.
func NewManager(baseDir string, opts ...Option) *Manager {
	m := &Manager{
		baseDir:  baseDir,
		capacity: DefaultCapacity,
		log:      zap.NewNop(),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetStore returns the storage adapter for a category, opening it on first
// access. Concurrent first accesses for the same name share one
// initialization; a successful lookup marks the entry most recently used and
// may evict the least recently used adapter beyond capacity.
func (m *Manager) GetStore(name string) (*storage.Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if st := m.lookup(name); st != nil {
		return st, nil
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		// A finished flight may have populated the cache between our miss
		// and joining this one.
		if st := m.lookup(name); st != nil {
			return st, nil
		}

		dir := filepath.Join(m.baseDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create category dir %q: %w", name, err)
		}
		st, err := storage.Open(filepath.Join(dir, dbFileName))
		if err != nil {
			return nil, fmt.Errorf("open category %q: %w", name, err)
		}
		m.log.Info("opened category", zap.String("category", name))
		m.insert(name, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Store), nil
}

// lookup returns a cached adapter and touches it, or nil on a miss.
func (m *Manager) lookup(name string) *storage.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[name]
	if !ok {
		return nil
	}
	m.order.MoveToFront(el)
	return el.Value.(*cacheEntry).store
}

// insert registers a freshly opened adapter and evicts past capacity.
func (m *Manager) insert(name string, st *storage.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[name] = m.order.PushFront(&cacheEntry{name: name, store: st})

	for len(m.entries) > m.capacity {
		el := m.order.Back()
		if el == nil {
			break
		}
		evicted := el.Value.(*cacheEntry)
		m.order.Remove(el)
		delete(m.entries, evicted.name)
		if err := evicted.store.Close(); err != nil {
			m.log.Warn("close evicted category", zap.String("category", evicted.name), zap.Error(err))
		} else {
			m.log.Info("evicted category", zap.String("category", evicted.name))
		}
	}
}

// ListCategories enumerates the categories present on disk. A missing base
// directory is an empty list, not an error.
func (m *Manager) ListCategories() ([]string, error) {
	dirs, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}

	var names []string
	for _, d := range dirs {
		if !d.IsDir() || ValidateName(d.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.baseDir, d.Name(), dbFileName)); err != nil {
			continue
		}
		names = append(names, d.Name())
	}
	return names, nil
}

// DeleteCategory closes and evicts any live adapter for the category, then
// removes its on-disk storage unit entirely. Deleting an absent category is
// not an error.
func (m *Manager) DeleteCategory(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	if el, ok := m.entries[name]; ok {
		entry := el.Value.(*cacheEntry)
		m.order.Remove(el)
		delete(m.entries, name)
		if err := entry.store.Close(); err != nil {
			m.log.Warn("close category before delete", zap.String("category", name), zap.Error(err))
		}
	}
	m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.baseDir, name)); err != nil {
		return fmt.Errorf("remove category %q: %w", name, err)
	}
	m.log.Info("deleted category", zap.String("category", name))
	return nil
}

// CloseAll closes every cached adapter. Used at shutdown to release file
// handles deterministically.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, el := range m.entries {
		entry := el.Value.(*cacheEntry)
		if err := entry.store.Close(); err != nil {
			m.log.Warn("close category", zap.String("category", name), zap.Error(err))
		}
	}
	m.entries = make(map[string]*list.Element)
	m.order.Init()
}

// openCount reports the number of cached adapters. Test hook.
func (m *Manager) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
