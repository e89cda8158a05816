// Package file persists the registry as a TOML document.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/registry"
)

const (
	schemaVersion   = 1
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".targets-*.toml.tmp"
)

type fileSchema struct {
	Version      int                 `toml:"version"`
	Targets      []targetSchema      `toml:"targets"`
	Entitlements []entitlementSchema `toml:"entitlements"`
}

type targetSchema struct {
	Name         string    `toml:"name"`
	Channel      string    `toml:"channel"`
	Subscribers  []string  `toml:"subscribers"`
	AddedAt      time.Time `toml:"added_at"`
	IsLive       bool      `toml:"is_live"`
	GoalActive   bool      `toml:"goal_active"`
	GoalText     string    `toml:"goal_text"`
	GoalProgress float64   `toml:"goal_progress"`
}

type entitlementSchema struct {
	Identity string `toml:"identity"`
	Class    string `toml:"class"`
}

// Store reads and atomically rewrites one TOML file.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ registry.Store = (*Store)(nil)

// New returns a Store for path. The file is created on first save.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("registry.path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}
	return &Store{path: filepath.Clean(abs)}, nil
}

// Load implements registry.Store. A missing file is an empty registry.
func (s *Store) Load(ctx context.Context) (registry.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return registry.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return registry.Snapshot{}, nil
		}
		return registry.Snapshot{}, fmt.Errorf("read registry file: %w", err)
	}
	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return registry.Snapshot{}, fmt.Errorf("decode registry file: %w", err)
	}
	if file.Version > schemaVersion {
		return registry.Snapshot{}, fmt.Errorf("unsupported registry schema version %d", file.Version)
	}
	return fromSchema(file), nil
}

// Save implements registry.Store.
func (s *Store) Save(ctx context.Context, snap registry.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := toml.Marshal(toSchema(snap))
	if err != nil {
		return fmt.Errorf("encode registry file: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	cleanup = false
	return nil
}

func toSchema(snap registry.Snapshot) fileSchema {
	file := fileSchema{Version: schemaVersion}
	for _, t := range snap.Targets {
		file.Targets = append(file.Targets, targetSchema{
			Name:         t.Name,
			Channel:      t.ChannelID,
			Subscribers:  t.Subscribers,
			AddedAt:      t.AddedAt.UTC(),
			IsLive:       t.Status.IsLive,
			GoalActive:   t.Status.GoalActive,
			GoalText:     t.Status.GoalText,
			GoalProgress: t.Status.GoalProgress,
		})
	}
	for _, e := range snap.Entitlements {
		file.Entitlements = append(file.Entitlements, entitlementSchema{Identity: e.Identity, Class: string(e.Class)})
	}
	return file
}

func fromSchema(file fileSchema) registry.Snapshot {
	var snap registry.Snapshot
	for _, t := range file.Targets {
		snap.Targets = append(snap.Targets, live.Target{
			Name:        t.Name,
			ChannelID:   t.Channel,
			Subscribers: t.Subscribers,
			AddedAt:     t.AddedAt,
			Status: live.TargetStatus{
				IsLive:       t.IsLive,
				GoalActive:   t.GoalActive,
				GoalText:     t.GoalText,
				GoalProgress: t.GoalProgress,
			},
		})
	}
	for _, e := range file.Entitlements {
		snap.Entitlements = append(snap.Entitlements, live.Entitlement{Identity: e.Identity, Class: live.EntitlementClass(e.Class)})
	}
	return snap
}
