package encoder

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds ingest counters.
type Stats struct {
	Samples   uint64
	Malformed uint64
}

// Registry owns the tracked node set and one State per node that has
// reported at least one sample.
//
// Every mutation of the tracked set is persisted through the Store (if
// set) and announced through the change callback (if set). Persistence
// failures are logged and never undo the mutation.
//
// All public methods are thread-safe.
type Registry struct {
	params Params

	mu          sync.RWMutex
	nodes       []int
	frameToNode map[uint32]int
	states      map[int]*State

	store    Store
	onChange func(nodes []int)
	logger   Logger
	now      func() time.Time

	samples   atomic.Uint64
	malformed atomic.Uint64
}

// NewRegistry creates a registry tracking nodes. Duplicate ids are
// ignored; invalid ids are rejected.
func NewRegistry(params Params, nodes []int) (*Registry, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		params: params,
		states: make(map[int]*State),
		logger: noopLogger{},
		now:    time.Now,
	}
	for _, id := range nodes {
		if !ValidNode(id) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidNode, id)
		}
		if !slices.Contains(r.nodes, id) {
			r.nodes = append(r.nodes, id)
		}
	}
	r.rebuildLookup()
	return r, nil
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetStore sets where the tracked set is persisted.
func (r *Registry) SetStore(store Store) {
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
}

// SetOnChange sets a callback receiving the tracked set after every
// mutation. It runs with the registry lock released.
func (r *Registry) SetOnChange(fn func(nodes []int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Params returns the angle conversion parameters.
func (r *Registry) Params() Params {
	return r.params
}

// Nodes returns the tracked node ids in tracking order.
func (r *Registry) Nodes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// IsTracked reports whether id is in the tracked set.
func (r *Registry) IsTracked(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.nodes, id)
}

// Track adds id to the tracked set. Tracking an already tracked id is a
// no-op.
func (r *Registry) Track(id int) error {
	if !ValidNode(id) {
		return fmt.Errorf("%w: %d", ErrInvalidNode, id)
	}

	r.mu.Lock()
	if slices.Contains(r.nodes, id) {
		r.mu.Unlock()
		return nil
	}
	r.nodes = append(r.nodes, id)
	r.rebuildLookup()
	nodes := r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("encoder tracked", "node", id)
	r.notify(nodes)
	return nil
}

// Untrack removes id and its state.
func (r *Registry) Untrack(id int) error {
	r.mu.Lock()
	i := slices.Index(r.nodes, id)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotTracked, id)
	}
	r.nodes = slices.Delete(r.nodes, i, i+1)
	delete(r.states, id)
	r.rebuildLookup()
	nodes := r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("encoder untracked", "node", id)
	r.notify(nodes)
	return nil
}

// Rename moves tracking from oldID to newID after the device's bus
// address was changed. It is a no-op (returning false) when the ids are
// equal or oldID is not tracked. The new id starts with fresh state.
func (r *Registry) Rename(oldID, newID int) bool {
	if oldID == newID || !ValidNode(newID) {
		return false
	}

	r.mu.Lock()
	i := slices.Index(r.nodes, oldID)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.nodes = slices.Delete(r.nodes, i, i+1)
	delete(r.states, oldID)
	if !slices.Contains(r.nodes, newID) {
		r.nodes = append(r.nodes, newID)
	}
	delete(r.states, newID)
	r.rebuildLookup()
	nodes := r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("encoder renamed", "old_node", oldID, "new_node", newID)
	r.notify(nodes)
	return true
}

// IngestFrame feeds one bus frame. Frames not addressed to a tracked
// node's TPDO are ignored (ok is false). Tracked frames with fewer than two
// payload bytes are counted as malformed and dropped.
func (r *Registry) IngestFrame(frameID uint32, payload []byte) (node int, displacement float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, tracked := r.frameToNode[frameID]
	if !tracked {
		return 0, 0, false
	}

	angle, err := r.params.Angle(payload)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("dropping malformed encoder frame", "frame_id", frameID, "node", node, "error", err)
		return node, 0, false
	}

	return node, r.ingestLocked(node, angle), true
}

// Ingest applies a normalized angle sample to a node's state, creating
// the state on the first sample.
func (r *Registry) Ingest(node int, angle float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ingestLocked(node, normalize(angle))
}

func (r *Registry) ingestLocked(node int, angle float64) float64 {
	r.samples.Add(1)
	now := r.now()

	st, ok := r.states[node]
	if !ok {
		s := NewState(angle, now)
		r.states[node] = &s
		return 0
	}
	return st.Ingest(angle, now)
}

// Reset zeroes a tracked node's state. Call only after the device
// acknowledged the position preset.
func (r *Registry) Reset(node int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.nodes, node) {
		return fmt.Errorf("%w: %d", ErrNotTracked, node)
	}
	st, ok := r.states[node]
	if !ok {
		st = &State{}
		r.states[node] = st
	}
	st.Reset(r.now())
	return nil
}

// State returns a copy of one node's state. ok is false until the node
// has reported a sample.
func (r *Registry) State(node int) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[node]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns copies of every tracked node's state.
func (r *Registry) Snapshot() map[int]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]State, len(r.states))
	for id, st := range r.states {
		out[id] = *st
	}
	return out
}

// Stats returns ingest counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Samples:   r.samples.Load(),
		Malformed: r.malformed.Load(),
	}
}

// rebuildLookup recomputes the frame id table. Caller holds mu.
func (r *Registry) rebuildLookup() {
	r.frameToNode = make(map[uint32]int, 2*len(r.nodes))
	for _, id := range r.nodes {
		r.frameToNode[uint32(TPDO1Base+id)] = id
		r.frameToNode[uint32(TPDO2Base+id)] = id
	}
}

// persistLocked saves the record and returns a copy of the node set for
// the change callback. Caller holds mu.
func (r *Registry) persistLocked() []int {
	nodes := slices.Clone(r.nodes)
	if r.store != nil {
		if err := r.store.Save(Record{NodeIDs: nodes, Params: r.params}); err != nil {
			r.logger.Warn("persisting encoder record failed", "error", err)
		}
	}
	return nodes
}

func (r *Registry) notify(nodes []int) {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(nodes)
	}
}

// Persist writes the current record to the store, if one is set.
func (r *Registry) Persist() error {
	r.mu.RLock()
	store := r.store
	rec := Record{NodeIDs: slices.Clone(r.nodes), Params: r.params}
	r.mu.RUnlock()

	if store == nil {
		return nil
	}
	return store.Save(rec)
}
