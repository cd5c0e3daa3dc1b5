package safestart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T) (*Gate, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		StatePath:         filepath.Join(dir, "safe_start_state.json"),
		RuntimeStatePath:  filepath.Join(dir, "runtime_state.json"),
		RuntimeStatusPath: filepath.Join(dir, "runtime_status.json"),
	}
	return NewGate(cfg, zerolog.Nop()), cfg
}

func TestExpectedPhrase(t *testing.T) {
	assert.Equal(t, "CONFIRM START BINANCE LIVE SEED=1000000",
		ExpectedPhrase(Request{Mode: "live", Exchange: "binance", Seed: 1_000_000}))
}

func TestGateMissingRecordIsStopped(t *testing.T) {
	g, _ := newGate(t)
	rec := g.Read()
	assert.Equal(t, PhaseStopped, rec.Phase)
	assert.True(t, rec.Details.RunningBlocked)
	assert.False(t, g.Running())
}

func TestGateHappyPath(t *testing.T) {
	g, _ := newGate(t)
	req := Request{Mode: "PAPER", Exchange: "SIM", Seed: 5000}

	rec, err := g.Begin(req)
	require.NoError(t, err)
	assert.Equal(t, PhaseBootingDegraded, rec.Phase)
	assert.Equal(t, PhaseBootingDegraded, g.Phase())

	_, err = g.Begin(req)
	assert.ErrorIs(t, err, ErrBusy)

	rec = g.SyncCheck()
	assert.Equal(t, PhaseWaitingOperator, rec.Phase)

	_, phrase, ok := g.Pending()
	require.True(t, ok)
	assert.Equal(t, "CONFIRM START SIM PAPER SEED=5000", phrase)

	_, err = g.Confirm("CONFIRM START SIM LIVE SEED=5000")
	assert.ErrorIs(t, err, ErrBadPhrase)
	assert.False(t, g.Running())

	got, err := g.Confirm("  " + phrase + "\n")
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.True(t, g.Running())
	assert.False(t, g.Read().Details.RunningBlocked)

	_, _, ok = g.Pending()
	assert.False(t, ok)
}

func TestGateConfirmRequiresWaitingOperator(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Confirm("anything")
	assert.ErrorIs(t, err, ErrNotWaiting)

	_, err = g.Begin(Request{Mode: "PAPER", Exchange: "SIM", Seed: 1})
	require.NoError(t, err)
	_, err = g.Confirm("CONFIRM START SIM PAPER SEED=1")
	assert.ErrorIs(t, err, ErrNotWaiting, "sync check has not run")
}

func TestGateSyncCheckFailureBlocks(t *testing.T) {
	g, cfg := newGate(t)
	require.NoError(t, os.WriteFile(cfg.RuntimeStatePath, []byte("[1,2,3]"), 0644))
	require.NoError(t, os.WriteFile(cfg.RuntimeStatusPath, []byte("{broken"), 0644))

	_, err := g.Begin(Request{Mode: "PAPER", Exchange: "SIM", Seed: 1})
	require.NoError(t, err)

	rec := g.SyncCheck()
	assert.Equal(t, PhaseWaitingSync, rec.Phase)
	assert.Len(t, rec.Details.Errors, 2)
	assert.True(t, rec.Details.RunningBlocked)

	_, err = g.Confirm("CONFIRM START SIM PAPER SEED=1")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestGateStopClearsPending(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Begin(Request{Mode: "PAPER", Exchange: "SIM", Seed: 1})
	require.NoError(t, err)
	g.SyncCheck()

	rec := g.Stop("Stopped by operator")
	assert.Equal(t, PhaseStopped, rec.Phase)
	assert.Equal(t, "Stopped by operator", g.Read().Details.Message)

	_, err = g.Confirm("CONFIRM START SIM PAPER SEED=1")
	assert.ErrorIs(t, err, ErrNotWaiting)
	_, _, ok := g.Pending()
	assert.False(t, ok)
}

func TestGateCorruptRecordReadsStopped(t *testing.T) {
	g, cfg := newGate(t)
	require.NoError(t, os.WriteFile(cfg.StatePath, []byte("not json"), 0644))
	rec := g.Read()
	assert.Equal(t, PhaseStopped, rec.Phase)
	assert.Equal(t, []string{"state-corrupt"}, rec.Details.Errors)
}
