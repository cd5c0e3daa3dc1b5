// Package lock provides a crash-tolerant single-instance guard backed by an
// exclusively created lock file.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyRunning is returned to callers that turn a failed Acquire into an error
	ErrAlreadyRunning = errors.New("another instance is already running")
)

// Info is the content of the lock file
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Mode      string    `json:"mode"`
	Exchange  string    `json:"exchange"`
	Host      string    `json:"host"`
}

// ProcessLock guards a lock file path for the current process
type ProcessLock struct {
	path   string
	pid    int
	host   string
	logger zerolog.Logger

	// alive reports whether pid is a live process on this host
	alive func(pid int) bool

	mu   sync.Mutex
	held bool
}

// New creates a lock for path owned by the current process
func New(path string, logger zerolog.Logger) *ProcessLock {
	host, _ := os.Hostname()
	return &ProcessLock{
		path:   path,
		pid:    os.Getpid(),
		host:   host,
		logger: logger.With().Str("component", "ProcessLock").Logger(),
		alive:  processAlive,
	}
}

// Path returns the lock file path
func (l *ProcessLock) Path() string {
	return l.path
}

// Acquire takes the lock. A lock held by a dead process is reclaimed
// automatically; a live holder blocks unless force is set.
func (l *ProcessLock) Acquire(mode, exchange string, force bool) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, "already held by this process"
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Sprintf("lock dir unavailable: %v", err)
	}

	info := Info{
		PID:       l.pid,
		StartedAt: time.Now().UTC(),
		Mode:      strings.ToUpper(mode),
		Exchange:  strings.ToUpper(exchange),
		Host:      l.host,
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := l.create(info)
		if err == nil {
			l.held = true
			l.logger.Info().Int("pid", l.pid).Str("path", l.path).Msg("Lock acquired")
			return true, fmt.Sprintf("acquired pid=%d", l.pid)
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Sprintf("lock write failed: %v", err)
		}

		existing, readErr := l.read()

		if force {
			l.logger.Warn().Str("path", l.path).Msg("Force flag set, removing existing lock")
			if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return false, fmt.Sprintf("force unlock failed: %v", rmErr)
			}
			force = false
			continue
		}

		if readErr != nil {
			l.logger.Error().Err(readErr).Str("path", l.path).Msg("Lock file exists and is unreadable")
			return false, "lock file exists and is unreadable"
		}

		if l.holderAlive(existing) {
			l.logger.Error().Int("holder_pid", existing.PID).Str("holder_host", existing.Host).Msg("Lock held by live process")
			return false, fmt.Sprintf("already running (pid=%d host=%s mode=%s exchange=%s)",
				existing.PID, existing.Host, existing.Mode, existing.Exchange)
		}

		l.logger.Warn().Int("stale_pid", existing.PID).Msg("Stale lock detected, reclaiming")
		if err := l.reclaimStale(existing.PID); err != nil {
			return false, fmt.Sprintf("stale lock reclaim failed: %v", err)
		}
	}

	return false, "lock contended"
}

// Release removes the lock file if this process owns it. Safe to call repeatedly.
func (l *ProcessLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		l.held = false
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}

	if existing.PID != l.pid {
		l.held = false
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	l.held = false
	l.logger.Info().Int("pid", l.pid).Msg("Lock released")
	return nil
}

// Inspect returns the current lock holder and whether it is alive
func (l *ProcessLock) Inspect() (*Info, bool, error) {
	info, err := l.read()
	if err != nil {
		return nil, false, err
	}
	return &info, l.holderAlive(info), nil
}

// Held reports whether this process currently owns the lock
func (l *ProcessLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *ProcessLock) create(info Info) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	data, err := json.Marshal(info)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(l.path)
		return err
	}
	return nil
}

func (l *ProcessLock) read() (Info, error) {
	var info Info
	data, err := os.ReadFile(l.path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode lock: %w", err)
	}
	return info, nil
}

// holderAlive treats a lock from another host as alive since its pid cannot be probed
func (l *ProcessLock) holderAlive(info Info) bool {
	if info.Host != "" && l.host != "" && info.Host != l.host {
		return true
	}
	if info.PID <= 0 {
		return false
	}
	return l.alive(info.PID)
}

// reclaimStale moves the stale lock aside with an atomic rename, then checks
// that what it moved is really the stale lock. If another process replaced it
// in between, the file is put back.
func (l *ProcessLock) reclaimStale(stalePID int) error {
	aside := fmt.Sprintf("%s.stale.%d", l.path, l.pid)
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	data, err := os.ReadFile(aside)
	if err == nil {
		var moved Info
		if json.Unmarshal(data, &moved) == nil && moved.PID != stalePID {
			if linkErr := os.Link(aside, l.path); linkErr == nil {
				os.Remove(aside)
			}
			return fmt.Errorf("lock changed hands during reclaim (pid=%d)", moved.PID)
		}
	}
	return os.Remove(aside)
}
