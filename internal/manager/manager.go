// Package manager owns the single bot slot and writes its lifecycle
// snapshot through to the state repository after every transition.
package manager

import (
	"sync"
	"time"

	"futures-grid-bot-go/internal/bot"
	"futures-grid-bot-go/internal/models"
	"futures-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// PriceFeed pushes trade prices for a symbol until stop is called.
type PriceFeed interface {
	Watch(symbol string, onPrice func(float64)) (stop func(), err error)
}

// Manager serializes control commands for the one bot it holds.
// Persistence failures are logged and never fail a command.
type Manager struct {
	bot    *bot.GridBot
	repo   persistence.StateRepository
	feed   PriceFeed
	logger *zap.Logger

	mu        sync.Mutex // control commands
	persistMu sync.Mutex // snapshot writes; also taken from the bot's stop hook
	feedMu    sync.Mutex
	stopFeed  func()
	feedRun   string // run that owns stopFeed
}

// New wires the bot's stop hook so self-initiated stops are persisted too.
// repo and feed may be nil.
func New(b *bot.GridBot, repo persistence.StateRepository, feed PriceFeed, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		bot:    b,
		repo:   repo,
		feed:   feed,
		logger: logger.Named("manager"),
	}
	b.SetStopHook(m.onBotStopped)
	return m
}

// Start launches a new run. Returns bot.ErrAlreadyRunning if the slot is taken.
func (m *Manager) Start(cfg models.GridConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(cfg, bot.StartOptions{})
}

func (m *Manager) start(cfg models.GridConfig, so bot.StartOptions) error {
	if err := m.bot.Start(cfg, so); err != nil {
		return err
	}
	m.watch(m.bot.Config().Symbol, m.bot.RunID())
	m.persist()
	return nil
}

// Stop cancels all orders, flattens the position and frees the slot.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bot.Stop(); err != nil {
		return err
	}
	m.unwatch()
	m.persist()
	return nil
}

func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bot.Pause(); err != nil {
		return err
	}
	m.persist()
	return nil
}

func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bot.Resume(); err != nil {
		return err
	}
	m.persist()
	return nil
}

// UpdateConfig applies the whitelisted patch and returns the changed keys.
func (m *Manager) UpdateConfig(patch models.ConfigPatch) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := m.bot.UpdateConfig(patch)
	if err != nil {
		return nil, err
	}
	if len(updated) > 0 {
		m.persist()
	}
	return updated, nil
}

// Status never blocks on the execution loop.
func (m *Manager) Status() models.Status {
	return m.bot.Status()
}

// OnTick forwards a pushed price to the bot.
func (m *Manager) OnTick(price float64) {
	m.bot.OnTick(price)
}

// Restore reads the last snapshot and, when it says a run was active,
// starts the bot again with the saved config. A paused snapshot comes
// back paused without seeding orders. A snapshot whose config no longer
// validates is overwritten with running=false.
func (m *Manager) Restore() (bool, error) {
	if m.repo == nil {
		return false, nil
	}
	snap, err := m.repo.LoadState()
	if err != nil {
		return false, err
	}
	if snap == nil || !snap.Running || snap.Config == nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("restoring bot from snapshot",
		zap.String("symbol", snap.Config.Symbol),
		zap.Bool("paused", snap.Paused),
		zap.String("run_id", snap.RunID),
		zap.Time("saved_at", snap.UpdatedAt))

	if err := m.start(*snap.Config, bot.StartOptions{ResumePaused: snap.Paused, RunID: snap.RunID}); err != nil {
		m.persistMu.Lock()
		m.save(&models.Snapshot{Running: false, Config: snap.Config, RunID: snap.RunID, UpdatedAt: time.Now()})
		m.persistMu.Unlock()
		return false, err
	}
	return true, nil
}

// Shutdown halts the loop for process exit. Orders and positions stay on
// the exchange and the snapshot is left as is, so the next boot resumes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwatch()
	m.bot.Halt()
	m.logger.Info("manager shut down, snapshot kept for next boot")
}

// onBotStopped runs on the stopped run's goroutine without m.mu, so a new
// run may already own the slot. Only that run's own feed is torn down.
func (m *Manager) onBotStopped(runID, reason string) {
	m.logger.Warn("bot stopped itself", zap.String("run_id", runID), zap.String("reason", reason))
	if !m.unwatchRun(runID) {
		m.logger.Info("slot already taken by a newer run, keeping its feed",
			zap.String("stopped_run", runID), zap.String("current_run", m.bot.RunID()))
	}
	m.persist()
}

func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	snap := &models.Snapshot{
		Running:   bot.IsActive(m.bot.Phase()),
		Paused:    m.bot.IsPaused(),
		RunID:     m.bot.RunID(),
		UpdatedAt: time.Now(),
	}
	if cfg := m.bot.Config(); cfg.Symbol != "" {
		snap.Config = &cfg
	}
	m.save(snap)
}

// save must be called with persistMu held.
func (m *Manager) save(snap *models.Snapshot) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveState(snap); err != nil {
		m.logger.Error("failed to save snapshot", zap.Error(err))
	}
}

func (m *Manager) watch(symbol, runID string) {
	if m.feed == nil {
		return
	}
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	m.unwatchLocked()
	m.feedRun = runID
	stop, err := m.feed.Watch(symbol, m.bot.OnTick)
	if err != nil {
		m.logger.Warn("price feed unavailable, falling back to polling", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	m.stopFeed = stop
}

func (m *Manager) unwatch() {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	m.unwatchLocked()
}

// unwatchRun stops the feed only if runID started it. It reports false when
// a different run owns the feed.
func (m *Manager) unwatchRun(runID string) bool {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if m.feedRun != "" && m.feedRun != runID {
		return false
	}
	m.unwatchLocked()
	return true
}

func (m *Manager) unwatchLocked() {
	if m.stopFeed != nil {
		m.stopFeed()
		m.stopFeed = nil
	}
	m.feedRun = ""
}
