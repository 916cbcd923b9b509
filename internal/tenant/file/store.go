// Package file provides a tenant Store backed by a YAML (or JSON) file.
//
// The whole file is loaded into an immutable snapshot. Watch reloads it on
// change; a file that fails to parse or validate leaves the previous
// snapshot in place.
package file

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"logfanout/internal/logging"
	"logfanout/internal/tenant"
)

// document is the on-disk layout.
//
//	tenants:
//	  - tenant_id: acme
//	    log_distribution_role_arn: arn:aws:iam::123456789012:role/LogDistribution
//	    log_group_name: /tenants/acme
//	    target_region: us-east-1
//	    desired_logs: [billing]
type document struct {
	Tenants []tenant.Record `yaml:"tenants"`
}

type snapshot map[string]tenant.Config

// Store is a file-backed tenant.Store.
type Store struct {
	path   string
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	onReload  func()
}

var _ tenant.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOnReload registers fn to run after each successful reload, typically
// to invalidate a warm cache.
func WithOnReload(fn func()) Option {
	return func(s *Store) { s.onReload = fn }
}

// NewStore loads path and returns a store serving its contents.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.Default(s.logger).With("component", "tenant-file", "path", path)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the tenant configuration.
func (s *Store) Get(_ context.Context, tenantID string) (tenant.Config, error) {
	snap := s.snap.Load()
	c, ok := (*snap)[tenantID]
	if !ok {
		return tenant.Config{}, fmt.Errorf("%w: %s", tenant.ErrNotFound, tenantID)
	}
	return c.Clone(), nil
}

// Len returns the number of tenants in the current snapshot.
func (s *Store) Len() int { return len(*s.snap.Load()) }

// Reload re-reads the file. On error the current snapshot is kept.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tenant file: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return fmt.Errorf("parse tenant file %s: %w", s.path, err)
	}
	s.snap.Store(&snap)
	return nil
}

func parse(data []byte) (snapshot, error) {
	snap := make(snapshot)
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i, r := range doc.Tenants {
		c := r.Config()
		if c.TenantID == "" {
			return nil, fmt.Errorf("%w: entry %d has no tenant_id", tenant.ErrInvalid, i)
		}
		if _, dup := snap[c.TenantID]; dup {
			return nil, fmt.Errorf("%w: duplicate tenant %q", tenant.ErrInvalid, c.TenantID)
		}
		snap[c.TenantID] = c
	}
	return snap, nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched so editors that replace the file by rename are picked up.
// Calling Watch again replaces the previous watch.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(w, s.watchDone)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	name := filepath.Clean(s.path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("tenant file reload failed, keeping previous configuration", "error", err)
				continue
			}
			s.logger.Info("tenant file reloaded", "tenants", s.Len())
			if s.onReload != nil {
				s.onReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("tenant file watcher error", "error", err)
		}
	}
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		<-s.watchDone
		s.watcher = nil
		s.watchDone = nil
	}
}

// Close stops the file watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked()
	return nil
}
