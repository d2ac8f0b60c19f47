package tapadmin

import (
	"sync"
)

// Manager lazily creates a registry on first use, and shares it among every
// holder. The registry lives as long as at least one handle is unreleased.
// When the last handle is released, the registry is closed, and the next
// Acquire creates a fresh one.
type Manager struct {
	mtx      sync.Mutex
	opts     []Option
	registry *Registry
	refs     int
}

// DefaultManager is the process-wide registry manager, used by extensions
// which aren't given a registry explicitly. Configure it before the first
// Acquire.
var DefaultManager = &Manager{}

// NewManager returns a manager which creates registries with opts.
func NewManager(opts ...Option) *Manager {
	return &Manager{opts: opts}
}

// Configure sets the options used for registries created by later calls to
// Acquire. A registry that's already live keeps its options.
func (m *Manager) Configure(opts ...Option) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.opts = opts
}

// Handle is a shared reference to a managed registry. It embeds the registry,
// so holders can use it directly.
type Handle struct {
	*Registry

	mgr  *Manager
	once sync.Once
}

// Acquire returns a handle to the shared registry, creating it if necessary.
func (m *Manager) Acquire() *Handle {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.registry == nil {
		m.registry = NewRegistry(m.opts...)
	}
	m.refs++

	return &Handle{Registry: m.registry, mgr: m}
}

// Refs returns the number of unreleased handles.
func (m *Manager) Refs() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.refs
}

// Release the handle. Only the first call has any effect. The handle must not
// be used after release.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.mgr.release(h.Registry)
	})
}

func (m *Manager) release(r *Registry) {
	m.mtx.Lock()
	if m.registry != r {
		m.mtx.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		m.mtx.Unlock()
		return
	}
	m.registry, m.refs = nil, 0
	m.mtx.Unlock()

	r.Close()
}
