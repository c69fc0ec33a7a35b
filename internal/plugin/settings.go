package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SettingsStore persists per-plugin enabled flags.
type SettingsStore interface {
	Load(ctx context.Context) (map[string]bool, error)
	Save(ctx context.Context, pluginID string, enabled bool) error
}

type pluginSetting struct {
	Enabled bool `json:"enabled"`
}

type settingsFile struct {
	Plugins map[string]pluginSetting `json:"plugins"`
}

// FileSettings stores flags in a JSON file, e.g. ~/.debugprobe/plugins.json.
// Writes go to a temp file that is renamed over the original.
type FileSettings struct {
	path string
	mu   sync.Mutex
}

func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

func (s *FileSettings) Path() string { return s.path }

func (s *FileSettings) Load(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(f.Plugins))
	for id, ps := range f.Plugins {
		out[id] = ps.Enabled
	}
	return out, nil
}

func (s *FileSettings) Save(_ context.Context, pluginID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	f.Plugins[pluginID] = pluginSetting{Enabled: enabled}
	return s.write(f)
}

func (s *FileSettings) read() (settingsFile, error) {
	f := settingsFile{Plugins: map[string]pluginSetting{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("read plugin settings: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse plugin settings %s: %w", s.path, err)
	}
	if f.Plugins == nil {
		f.Plugins = map[string]pluginSetting{}
	}
	return f, nil
}

func (s *FileSettings) write(f settingsFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".plugins-*.json")
	if err != nil {
		return fmt.Errorf("write plugin settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write plugin settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace plugin settings: %w", err)
	}
	return nil
}

// MemorySettings keeps flags in memory. Useful in tests and for hosts
// that persist elsewhere.
type MemorySettings struct {
	mu    sync.Mutex
	flags map[string]bool
	saves int
}

func NewMemorySettings(initial map[string]bool) *MemorySettings {
	flags := make(map[string]bool, len(initial))
	for k, v := range initial {
		flags[k] = v
	}
	return &MemorySettings{flags: flags}
}

func (s *MemorySettings) Load(context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out, nil
}

func (s *MemorySettings) Save(_ context.Context, pluginID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[pluginID] = enabled
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemorySettings) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
