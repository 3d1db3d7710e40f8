package workitem

import (
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/workstate"
)

const keyPrefix = "work-items"

// Manager tracks work items in memory and mirrors every change to the
// durable store. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	items  map[string]*Item
	store  store.Store
	logger *logging.Logger
}

// NewManager creates a Manager backed by the given store. Existing items
// are loaded from the store so state survives restarts.
func NewManager(st store.Store, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := &Manager{
		items:  make(map[string]*Item),
		store:  st,
		logger: logger.WithComponent("workitem"),
	}

	if st != nil {
		keys, err := st.Keys(keyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading work items")
		}
		for _, key := range keys {
			var item Item
			found, err := st.Get(key, &item)
			if err != nil {
				return nil, errors.Wrapf(err, "loading work item %s", key)
			}
			if found {
				m.items[item.ID] = &item
			}
		}
	}

	return m, nil
}

// Create registers a new pending item. Creating an item with an existing ID
// fails with AlreadyExistsError.
func (m *Manager) Create(id string, typ Type, opts ...CreateOption) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[id]; exists {
		return nil, errors.NewAlreadyExistsError("work item", id)
	}

	item := New(id, typ)
	for _, opt := range opts {
		opt(item)
	}
	item.appendEvent("created", "")

	m.items[id] = item
	if err := m.persist(item); err != nil {
		delete(m.items, id)
		return nil, err
	}
	return item.Clone(), nil
}

// CreateOption configures a new item.
type CreateOption func(*Item)

// WithRole sets the role ID on the new item.
func WithRole(roleID string) CreateOption {
	return func(it *Item) { it.RoleID = roleID }
}

// WithSessionKey sets the session key on the new item.
func WithSessionKey(key string) CreateOption {
	return func(it *Item) { it.SessionKey = key }
}

// WithParent links the new item under a parent.
func WithParent(parentID string) CreateOption {
	return func(it *Item) { it.ParentID = parentID }
}

// Get returns a copy of the item, or NotFoundError.
func (m *Manager) Get(id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, errors.NewNotFoundError("work item", id)
	}
	return item.Clone(), nil
}

// Transition moves the item to the given status, enforcing the workstate
// table. StartedAt is stamped on entering running; CompletedAt on entering
// a terminal status.
func (m *Manager) Transition(id string, to workstate.Status) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, errors.NewNotFoundError("work item", id)
	}

	next, err := workstate.Transition(item.Status, to)
	if err != nil {
		return nil, err
	}

	prev := item.Status
	item.Status = next
	now := time.Now().UTC()
	if next == workstate.StatusRunning && item.StartedAt == nil {
		item.StartedAt = &now
	}
	if workstate.IsTerminal(next) && item.CompletedAt == nil {
		item.CompletedAt = &now
	}
	item.appendEvent("status", string(prev)+" -> "+string(next))

	if err := m.persist(item); err != nil {
		return nil, err
	}

	m.logger.Debug("work item transitioned",
		"item_id", id,
		"from", string(prev),
		"to", string(next),
	)
	return item.Clone(), nil
}

// SetOutput records the item's output. Terminal items reject output changes;
// the audit trail is immutable once an item settles.
func (m *Manager) SetOutput(id, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return errors.NewNotFoundError("work item", id)
	}
	if item.IsTerminal() {
		return errors.NewValidationError("cannot mutate output of terminal item").WithField("id").WithValue(id)
	}

	item.Output = output
	item.appendEvent("output", "")
	return m.persist(item)
}

// AppendEvent adds an entry to the item's event log.
func (m *Manager) AppendEvent(id, kind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return errors.NewNotFoundError("work item", id)
	}
	item.appendEvent(kind, message)
	return m.persist(item)
}

// AddChild appends childID to the item's ordered child list. An item can
// never be its own child.
func (m *Manager) AddChild(id, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return errors.NewNotFoundError("work item", id)
	}
	if childID == id {
		return errors.NewValidationError("work item cannot be its own child").WithField("childID").WithValue(childID)
	}
	for _, existing := range item.ChildIDs {
		if existing == childID {
			return nil // already linked
		}
	}

	item.ChildIDs = append(item.ChildIDs, childID)
	item.appendEvent("child-added", childID)
	return m.persist(item)
}

// IncrementIteration bumps the item's iteration counter and returns the
// new value.
func (m *Manager) IncrementIteration(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return 0, errors.NewNotFoundError("work item", id)
	}
	item.Iteration++
	if err := m.persist(item); err != nil {
		return 0, err
	}
	return item.Iteration, nil
}

// Cancel cancels the item if its current status admits cancellation.
func (m *Manager) Cancel(id string) (*Item, error) {
	m.mu.RLock()
	item, ok := m.items[id]
	var status workstate.Status
	if ok {
		status = item.Status
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.NewNotFoundError("work item", id)
	}
	if !workstate.CanCancel(status) {
		return nil, &workstate.InvalidTransitionError{
			From:         status,
			To:           workstate.StatusCancelled,
			ValidTargets: workstate.Targets(status),
		}
	}
	return m.Transition(id, workstate.StatusCancelled)
}

// CancelTree cancels the item and, transitively, every descendant whose
// status admits cancellation. Items that cannot be cancelled (already
// terminal) are skipped, not errors. Returns the IDs actually cancelled.
func (m *Manager) CancelTree(id string) ([]string, error) {
	m.mu.RLock()
	if _, ok := m.items[id]; !ok {
		m.mu.RUnlock()
		return nil, errors.NewNotFoundError("work item", id)
	}

	// Collect the subtree first so cancellation order is parent-first.
	var order []string
	queue := []string{id}
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		order = append(order, cur)
		if item, ok := m.items[cur]; ok {
			queue = append(queue, item.ChildIDs...)
		}
	}
	m.mu.RUnlock()

	var cancelled []string
	for _, itemID := range order {
		if _, err := m.Cancel(itemID); err == nil {
			cancelled = append(cancelled, itemID)
		}
	}
	return cancelled, nil
}

// List returns copies of all items, in unspecified order.
func (m *Manager) List() []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item.Clone())
	}
	return out
}

// appendEvent adds an event and bumps UpdatedAt. Caller must hold m.mu.
func (it *Item) appendEvent(kind, message string) {
	now := time.Now().UTC()
	it.Events = append(it.Events, Event{Timestamp: now, Kind: kind, Message: message})
	it.UpdatedAt = now
}

// persist mirrors the item to the store. Caller must hold m.mu.
func (m *Manager) persist(item *Item) error {
	if m.store == nil {
		return nil
	}
	key := store.MustKey(keyPrefix, item.ID)
	if err := m.store.Put(key, item); err != nil {
		m.logger.Error("failed to persist work item", "item_id", item.ID, "error", err.Error())
		return err
	}
	return nil
}
