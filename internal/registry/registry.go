// Package registry keeps the monitored targets and subscriber entitlements,
// persisting every mutation through a Store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
)

// ErrNotFound means no target matches the channel and name.
var ErrNotFound = errors.New("target not found")

// ErrUnknownClass means an entitlement class other than throttled or unlimited.
var ErrUnknownClass = errors.New("unknown entitlement class")

// Snapshot is the persisted registry state.
type Snapshot struct {
	Targets      []live.Target
	Entitlements []live.Entitlement
}

// Store loads and saves whole snapshots.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Registry is safe for concurrent use.
type Registry struct {
	store  Store
	clock  live.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	targets map[string]live.Target
	classes map[string]live.EntitlementClass
}

// Open loads the store's snapshot into a new Registry.
func Open(ctx context.Context, store Store, clk live.Clock, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	r := &Registry{
		store:   store,
		clock:   clk,
		logger:  logger.Named("registry"),
		targets: make(map[string]live.Target, len(snap.Targets)),
		classes: make(map[string]live.EntitlementClass, len(snap.Entitlements)),
	}
	for _, t := range snap.Targets {
		t.Name = live.Normalize(t.Name)
		if t.Name == "" || t.ChannelID == "" {
			continue
		}
		t.Subscribers = live.MergeSubscribers(t.Subscribers, nil)
		r.targets[t.Key()] = t
	}
	for _, e := range snap.Entitlements {
		if e.Identity != "" {
			r.classes[e.Identity] = e.Class
		}
	}
	r.logger.Info("registry loaded", zap.Int("targets", len(r.targets)), zap.Int("entitlements", len(r.classes)))
	return r, nil
}

// Add registers name in channel, merging subscribers into an existing entry.
func (r *Registry) Add(ctx context.Context, channel, name string, subscribers []string) (live.Target, error) {
	name = live.Normalize(name)
	channel = strings.TrimSpace(channel)
	if name == "" || channel == "" {
		return live.Target{}, errors.New("channel and name are required")
	}
	var out live.Target
	err := r.mutate(ctx, func(targets map[string]live.Target, _ map[string]live.EntitlementClass) error {
		key := live.TargetKey(channel, name)
		t, ok := targets[key]
		if !ok {
			t = live.Target{Name: name, ChannelID: channel, AddedAt: r.clock.Now()}
		}
		t.Subscribers = live.MergeSubscribers(t.Subscribers, subscribers)
		targets[key] = t
		out = t
		return nil
	})
	return out, err
}

// Remove deletes the target.
func (r *Registry) Remove(ctx context.Context, channel, name string) error {
	return r.mutate(ctx, func(targets map[string]live.Target, _ map[string]live.EntitlementClass) error {
		key := live.TargetKey(channel, name)
		if _, ok := targets[key]; !ok {
			return ErrNotFound
		}
		delete(targets, key)
		return nil
	})
}

// UpdateStatus persists the durable flags for a target. Unchanged flags are not saved.
func (r *Registry) UpdateStatus(ctx context.Context, channel, name string, st live.TargetStatus) error {
	key := live.TargetKey(channel, name)
	r.mu.RLock()
	current, ok := r.targets[key]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if current.Status == st {
		return nil
	}
	return r.mutate(ctx, func(targets map[string]live.Target, _ map[string]live.EntitlementClass) error {
		t, ok := targets[key]
		if !ok {
			return ErrNotFound
		}
		t.Status = st
		targets[key] = t
		return nil
	})
}

// SetEntitlement assigns identity to class.
func (r *Registry) SetEntitlement(ctx context.Context, identity string, class live.EntitlementClass) error {
	switch class {
	case live.ClassThrottled, live.ClassUnlimited:
	default:
		return fmt.Errorf("%w %q", ErrUnknownClass, class)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("identity is required")
	}
	return r.mutate(ctx, func(_ map[string]live.Target, classes map[string]live.EntitlementClass) error {
		classes[identity] = class
		return nil
	})
}

// Class returns identity's entitlement, throttled when unknown.
func (r *Registry) Class(identity string) live.EntitlementClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.classes[identity]; ok && c != "" {
		return c
	}
	return live.ClassThrottled
}

// Target looks up one entry.
func (r *Registry) Target(channel, name string) (live.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[live.TargetKey(channel, name)]
	return t, ok
}

// Named returns every channel's entry for name.
func (r *Registry) Named(name string) []live.Target {
	name = live.Normalize(name)
	var out []live.Target
	for _, t := range r.Targets() {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// Targets returns all entries ordered by key.
func (r *Registry) Targets() []live.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(r.targets))
	out := make([]live.Target, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.targets[k])
	}
	return out
}

// mutate applies fn to copies of the state and commits them only after a successful save.
func (r *Registry) mutate(ctx context.Context, fn func(map[string]live.Target, map[string]live.EntitlementClass) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := maps.Clone(r.targets)
	classes := maps.Clone(r.classes)
	if err := fn(targets, classes); err != nil {
		return err
	}
	if err := r.store.Save(ctx, snapshotOf(targets, classes)); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	r.targets, r.classes = targets, classes
	return nil
}

func snapshotOf(targets map[string]live.Target, classes map[string]live.EntitlementClass) Snapshot {
	snap := Snapshot{}
	for _, k := range slices.Sorted(maps.Keys(targets)) {
		snap.Targets = append(snap.Targets, targets[k])
	}
	for _, id := range slices.Sorted(maps.Keys(classes)) {
		snap.Entitlements = append(snap.Entitlements, live.Entitlement{Identity: id, Class: classes[id]})
	}
	return snap
}

// MemoryStore keeps the snapshot in memory.
type MemoryStore struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
	// Err, when set, is returned by Save.
	Err error
}

// NewMemoryStore seeds a MemoryStore.
func NewMemoryStore(snap Snapshot) *MemoryStore {
	return &MemoryStore{snap: snap}
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.snap = snap
	m.saves++
	return nil
}

// Saves counts successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
