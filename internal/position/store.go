package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/atomicfile"
)

// Store persists RuntimeState as one atomically replaced JSON file
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a store at path
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "StateStore").Logger(),
	}
}

// Path returns the record location
func (s *Store) Path() string { return s.path }

// Load reads and sanitizes the record. A missing record yields the default
// state; a corrupt one is quarantined and the default state is used.
func (s *Store) Load(now time.Time) (RuntimeState, error) {
	st := DefaultRuntimeState()
	err := atomicfile.ReadJSON(s.path, &st)
	switch {
	case err == nil:
	case errors.Is(err, atomicfile.ErrNotExist):
		s.logger.Info().Str("path", s.path).Msg("No runtime state on disk, starting FLAT")
		st = DefaultRuntimeState()
	case errors.Is(err, atomicfile.ErrCorrupt):
		s.logger.Error().Err(err).Str("path", s.path).Msg("Runtime state corrupt, starting FLAT")
		st = DefaultRuntimeState()
	default:
		return RuntimeState{}, fmt.Errorf("load runtime state: %w", err)
	}

	for _, fix := range st.Sanitize(now) {
		s.logger.Warn().Str("fix", fix).Msg("Sanitized runtime state")
	}
	return st, nil
}

// Save writes st atomically
func (s *Store) Save(st *RuntimeState) error {
	if err := atomicfile.WriteJSON(s.path, st); err != nil {
		return fmt.Errorf("save runtime state: %w", err)
	}
	return nil
}
