// Package params reads the active strategy parameter set from the model
// registry. The runner consults it once per cycle so a promoted model takes
// effect without a restart.
//
// Registry layout:
//
//	models/_active/model_meta.yaml (or .yml, .json)
//	models/_staging/<run_id>/
//	models/_archive/<run_id>/
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Parameter names the runner understands
const (
	KeyModelID              = "model_id"
	KeyTPRatio              = "tp_ratio"
	KeyTPSellRatio          = "tp_sell_ratio"
	KeyMaxHoldBars          = "max_hold_bars"
	KeyTimeStopTargetProfit = "time_stop_target_profit"
	KeyHardLossCap          = "hard_loss_cap"
	KeyTargetNotional       = "target_notional"
)

const (
	activeDir  = "_active"
	stagingDir = "_staging"
	archiveDir = "_archive"
	tmpOld     = "_active_tmp_old"
	tmpNew     = "_active_tmp_new"
)

var metaNames = []string{"model_meta.yaml", "model_meta.yml", "model_meta.json"}

var ErrNoActiveModel = errors.New("no active model")

// Params is a flat parameter map with typed getters
type Params map[string]interface{}

// Float returns key as a float64, or def when missing or not numeric
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns key as an int, or def when missing or not numeric
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// String returns key as a string, or def
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

// ModelID returns the model_id entry
func (p Params) ModelID() string {
	return p.String(KeyModelID, "")
}

// Registry reads models/_active and caches the last parse by file mtime
type Registry struct {
	baseDir string
	logger  zerolog.Logger

	mu      sync.Mutex
	path    string
	modTime time.Time
	cached  Params
}

// NewRegistry creates the registry directories and recovers an interrupted
// promotion.
func NewRegistry(baseDir string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "ParamsRegistry").Logger(),
	}
	for _, d := range []string{baseDir, r.dir(stagingDir), r.dir(archiveDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create registry dir %s: %w", d, err)
		}
	}
	if err := r.RecoverIfNeeded(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) dir(name string) string {
	return filepath.Join(r.baseDir, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findMeta(dir string) string {
	for _, name := range metaNames {
		p := filepath.Join(dir, name)
		if exists(p) {
			return p
		}
	}
	return ""
}

// Parse decodes a YAML or JSON parameter document
func Parse(data []byte) (Params, error) {
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		if jerr := json.Unmarshal(data, &p); jerr != nil {
			return nil, fmt.Errorf("parse params (tried YAML and JSON): %w", err)
		}
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Active returns the active parameter set. A missing active model returns
// ErrNoActiveModel; callers fall back to configured defaults.
func (r *Registry) Active() (Params, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := findMeta(r.dir(activeDir))
	if path == "" {
		r.cached = nil
		r.path = ""
		return nil, ErrNoActiveModel
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if r.cached != nil && path == r.path && info.ModTime().Equal(r.modTime) {
		return r.cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("path", path).Str("model_id", p.ModelID()).Int("params", len(p)).Msg("Active parameters loaded")
	r.cached, r.path, r.modTime = p, path, info.ModTime()
	return p, nil
}

func (r *Registry) modelID(dir string) string {
	path := findMeta(dir)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	p, err := Parse(data)
	if err != nil {
		return ""
	}
	return p.ModelID()
}

func (r *Registry) archiveTarget(name string) string {
	candidate := filepath.Join(r.dir(archiveDir), name)
	if !exists(candidate) {
		return candidate
	}
	return filepath.Join(r.dir(archiveDir), name+"_"+time.Now().Format("20060102_150405"))
}

func (r *Registry) archive(dir, fallback string) error {
	id := r.modelID(dir)
	if id == "" {
		id = fallback + "_" + time.Now().Format("20060102_150405")
	}
	return os.Rename(dir, r.archiveTarget(id))
}

// RecoverIfNeeded finishes or rolls back a promotion interrupted by a crash
func (r *Registry) RecoverIfNeeded() error {
	active, old, fresh := r.dir(activeDir), r.dir(tmpOld), r.dir(tmpNew)

	if !exists(active) && exists(fresh) {
		if err := os.Rename(fresh, active); err != nil {
			return fmt.Errorf("restore staged model: %w", err)
		}
	}
	if !exists(active) && exists(old) {
		if err := os.Rename(old, active); err != nil {
			return fmt.Errorf("restore previous model: %w", err)
		}
	}
	if exists(active) && exists(old) {
		if err := r.archive(old, "recovered"); err != nil {
			return fmt.Errorf("archive previous model: %w", err)
		}
	}
	if exists(fresh) {
		if err := r.archive(fresh, "abandoned"); err != nil {
			return fmt.Errorf("archive abandoned model: %w", err)
		}
	}
	return nil
}

// Promote makes _staging/<runID> the active model and archives the previous one
func (r *Registry) Promote(runID string) error {
	src := filepath.Join(r.dir(stagingDir), runID)
	if !exists(src) {
		return fmt.Errorf("staging run not found: %s", src)
	}
	active, old, fresh := r.dir(activeDir), r.dir(tmpOld), r.dir(tmpNew)
	_ = os.RemoveAll(fresh)
	_ = os.RemoveAll(old)

	if err := os.Rename(src, fresh); err != nil {
		return fmt.Errorf("stage model: %w", err)
	}
	if exists(active) {
		if err := os.Rename(active, old); err != nil {
			return fmt.Errorf("move active model aside: %w", err)
		}
	}
	if err := os.Rename(fresh, active); err != nil {
		return fmt.Errorf("activate model: %w", err)
	}
	if exists(old) {
		if err := r.archive(old, "archived"); err != nil {
			return fmt.Errorf("archive previous model: %w", err)
		}
	}
	r.logger.Info().Str("run_id", runID).Msg("Model promoted")
	return nil
}
