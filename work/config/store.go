package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"
)

// ErrPortalNotFound is returned when an operation names an unknown portal.
var ErrPortalNotFound = errors.New("portal not found")

// Store owns the portal definitions and global settings. Reads hand out copies; every
// write is persisted before it becomes visible.
type Store struct {
	path      string
	mu        sync.RWMutex
	settings  Settings
	portals   []types.Portal
	lastWrite atomic.Int64
}

// NewStore returns a store backed by path, populated with defaults until Load runs.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := getDefaultSettings()
	return &Store{path: path, settings: s}
}

// PathFromEnv returns CONFIG_PATH or the default location.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the configuration file. A missing file is replaced by defaults which are
// written out so the admin has something to edit.
func (s *Store) Load() error {
	settings, portals, err := loadFromFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		logger.Warn("{config/store - Load} No config at %s, writing defaults", s.path)
		s.mu.Lock()
		s.settings = getDefaultSettings()
		s.portals = nil
		s.mu.Unlock()
		return s.Save()
	}

	s.mu.Lock()
	s.settings = settings
	s.portals = portals
	s.mu.Unlock()

	logger.Debug("{config/store - Load} Configuration loaded: %d portals", len(portals))
	for _, p := range portals {
		logger.Debug("{config/store - Load}   %s (%s): %s, %d MACs, %d streams per MAC",
			p.ID, p.Name, utils.ObfuscateURL(p.URL), len(p.MACs), p.StreamsPerMAC)
	}
	return nil
}

// Save writes the current state atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	cf := ConfigFile{
		Settings: convertToFile(s.settings),
		Portals:  clonePortals(s.portals),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("failed to create pending config file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	s.lastWrite.Store(time.Now().UnixNano())
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	return nil
}

// Snapshot returns the current settings by value.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Portals returns a copy of all portals in configured order.
func (s *Store) Portals() []types.Portal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePortals(s.portals)
}

// Portal returns one portal by id.
func (s *Store) Portal(id string) (types.Portal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.portals {
		if p.ID == id {
			return clonePortal(p), true
		}
	}
	return types.Portal{}, false
}

// UpsertPortal validates and stores p, replacing the portal with the same id. The stored
// form (with generated id) is returned.
func (s *Store) UpsertPortal(p types.Portal) (types.Portal, error) {
	s.mu.Lock()
	idx := -1
	for i := range s.portals {
		if p.ID != "" && s.portals[i].ID == p.ID {
			idx = i
			break
		}
	}

	pos := idx
	if pos < 0 {
		pos = len(s.portals)
	}
	p = clonePortal(p)
	if err := validatePortal(&p, pos); err != nil {
		s.mu.Unlock()
		return types.Portal{}, err
	}

	if idx >= 0 {
		s.portals[idx] = p
	} else {
		s.portals = append(s.portals, p)
	}
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return types.Portal{}, err
	}

	logger.Info("{config/store - UpsertPortal} Saved portal %s (%s)", p.ID, p.Name)
	return clonePortal(p), nil
}

// RemovePortal deletes a portal.
func (s *Store) RemovePortal(id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.portals {
		if s.portals[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrPortalNotFound
	}
	s.portals = append(s.portals[:idx], s.portals[idx+1:]...)
	s.mu.Unlock()

	logger.Info("{config/store - RemovePortal} Removed portal %s", id)
	return s.Save()
}

// SaveSettings validates and persists new global settings. Sessions already running keep
// their previous snapshot.
func (s *Store) SaveSettings(settings Settings) (Settings, error) {
	validateAndSetDefaults(&settings)

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Watch reloads the store whenever the file changes on disk and calls onChange after a
// successful reload. Writes made by Save itself are ignored. It returns once the watcher
// is running; the loop ends with ctx.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// the file is replaced by rename, so the directory is what must be watched
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger.Info("{config/store - Watch} Watching %s for changes", s.path)
	go s.watchLoop(ctx, watcher, onChange)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond
	name := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if time.Since(time.Unix(0, s.lastWrite.Load())) < 2*debounceDuration {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := s.Load(); err != nil {
					logger.Error("{config/store - watchLoop} Reload failed: %v", err)
					return
				}
				logger.Info("{config/store - watchLoop} Configuration reloaded from disk")
				if onChange != nil {
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("{config/store - watchLoop} Watcher error: %v", err)
		}
	}
}

func clonePortal(p types.Portal) types.Portal {
	p.MACs = append([]types.MACEntry(nil), p.MACs...)
	return p
}

func clonePortals(in []types.Portal) []types.Portal {
	out := make([]types.Portal, len(in))
	for i, p := range in {
		out[i] = clonePortal(p)
	}
	return out
}
