// Package lifecycle is a dependency-ordered manager for the daemon's
// cooperative background tasks. It guarantees a predictable start order
// (dependencies before dependents) and the exact reverse order on
// shutdown, with each node's context derived from its parent's so a
// single process-wide cancellation propagates down the whole tree.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

// StartFunc starts a node. A non-nil returned context becomes the parent
// context for the node's dependents; returning nil means "use the
// context lifecycle gave me". An error aborts the node's start.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc stops a node. By the time it's called the node's context is
// already cancelled; the implementation should wait for whatever
// goroutines that context cancellation signalled to stop.
type StopFunc func(ctx context.Context) error

type nodeStatus int

const (
	statusRegistered nodeStatus = iota
	statusStarting
	statusRunning
	statusStopping
	statusStopped
	statusFailed
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager sequences a set of named nodes by dependency and hierarchy.
// Safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// New creates a manager rooted at rootCtx (context.Background() if nil).
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: statusRunning},
		},
	}
}

// Register adds a node. An empty parent attaches to the root. deps are
// additional nodes that must be running before this one starts.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Compact(slices.Clone(deps))
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{name: name, parent: parent, deps: uniqueDeps, start: start, stop: stop}
	return nil
}

// StartAll starts every registered node (alphabetically, to keep logs
// deterministic), following parent/dependency order. Returns a joined
// error if any node failed to start.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debug("lifecycle start order resolved")
	return errs
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: cycle detected while starting %q", name)
	}
	n.status = statusStarting
	m.mu.Unlock()

	if n.parent != "" {
		if err := m.startNode(n.parent); err != nil {
			m.setFailed(name, err)
			return err
		}
	}
	for _, dep := range n.deps {
		if err := m.startNode(dep); err != nil {
			m.setFailed(name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	finalCtx := childCtx

	if n.start != nil {
		startedCtx, startErr := n.start(childCtx)
		if startErr != nil {
			cancel()
			m.setFailed(name, startErr)
			return startErr
		}
		if startedCtx != nil && startedCtx != childCtx {
			finalCtx = startedCtx
		}
	}

	m.mu.Lock()
	n.ctx = finalCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) nodeContext(name string) (context.Context, error) {
	if name == "" {
		name = rootName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("lifecycle: node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("lifecycle: node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown stops every started node in reverse start order.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel := n.cancel
	stopFn := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
		logger.Error("lifecycle node stopped with error", zap.String("node", name), zap.Error(err))
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()
	return err
}

// Failed reports the nodes (if any) that did not stop or start cleanly,
// used by the supervisor to surface which tasks missed the shutdown
// deadline.
func (m *Manager) Failed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, n := range m.nodes {
		if n.status == statusFailed || n.status == statusStarting || n.status == statusStopping {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
