package main

import (
	"fmt"
	"time"

	"tools.zach/dev/worktime/internal/aggregate"
	"tools.zach/dev/worktime/internal/config"
	"tools.zach/dev/worktime/internal/paths"
	"tools.zach/dev/worktime/internal/store"
	"tools.zach/dev/worktime/internal/tracker"
	"tools.zach/dev/worktime/internal/workspace"
)

// stack is the storage backend with the cache and engine built on it.
type stack struct {
	backend store.Backend
	cache   *aggregate.Cache
	engine  *tracker.Engine
}

// openStack opens the configured backend and wires the cache and engine.
// dir is called at session start for the workspace directory whose identity
// is stamped onto the new session.
func openStack(cfg *config.Config, dd paths.DataDir, dir func() string, now func() time.Time) (*stack, error) {
	backend, err := store.Open(cfg.Storage.Backend, dd.Store(), dd.SQLite())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	slots := store.NewSlots(backend)
	cache := aggregate.New(slots, now)

	ws := &workspace.Resolvers{
		ProjectName: cfg.Workspace.ProjectName,
		Overrides:   cfg.Workspace.Overrides,
		Placeholder: cfg.Workspace.EnvironmentPlaceholder,
	}
	engine := tracker.New(slots, cache, tracker.Options{
		IdleThreshold:     cfg.IdleThreshold(),
		AutoSaveInterval:  cfg.AutoSaveInterval(),
		IdleCheckInterval: cfg.IdleCheckInterval(),
		AutoStart:         cfg.Tracking.AutoStart,
		AutoStop:          cfg.Tracking.AutoStop,
		Now:               now,
		Context: func() tracker.Context {
			info := ws.Resolve(dir())
			return tracker.Context{
				Project:       info.Project,
				Workspace:     info.Workspace,
				EnvironmentID: info.EnvironmentID,
			}
		},
	})
	return &stack{backend: backend, cache: cache, engine: engine}, nil
}

// Close stops the engine timers and closes the backend. An open session stays
// in its slot.
func (s *stack) Close() error {
	s.engine.Close()
	return s.backend.Close()
}
