// Package template polls the daemon for the active block template and
// fans out its changes to every session, watch-channel style: consumers see
// only the latest value and a change signal, never a queue of history.
package template

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roundnews/monerowebcoordinator/internal/daemon"
	"github.com/roundnews/monerowebcoordinator/internal/metrics"
)

// State is an immutable snapshot of the daemon's current block template.
type State struct {
	TemplateID        uint64
	Height            uint64
	PrevHash          string
	BlockTemplateBlob string
	BlockHashingBlob  string
	Difficulty        uint64
	ReservedOffset    int
	ReserveSize       int
	SeedHash          string
	CreatedAt         time.Time
}

// Config configures the manager's daemon target and cadence.
type Config struct {
	WalletAddress   string
	ReserveSize     int
	RefreshInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Manager owns the daemon client and the single-value broadcast slot every
// connection handler reads from.
type Manager struct {
	client *daemon.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	current *State
	changed chan struct{}

	counter     atomic.Uint64
	lastHeight  uint64
	templatesRx atomic.Uint64
}

// New creates a Manager. Call Run to start its refresh loop.
func New(client *daemon.Client, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		client:  client,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "template_manager"),
		changed: make(chan struct{}),
	}
}

// Current returns the latest published template, or nil if none has arrived
// yet.
func (m *Manager) Current() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Changed returns a channel that is closed when a new template is
// published. The channel itself is replaced on every publish, so callers
// must re-fetch Current() and re-call Changed() after each wakeup.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// TemplatesReceived reports how many templates have been successfully
// fetched, for metrics.
func (m *Manager) TemplatesReceived() uint64 {
	return m.templatesRx.Load()
}

func (m *Manager) publish(s *State) {
	m.mu.Lock()
	m.current = s
	old := m.changed
	m.changed = make(chan struct{})
	m.mu.Unlock()
	close(old)
}

// Run performs an initial template fetch, then polls get_info on
// RefreshInterval, refetching the full template only when the daemon's
// reported height differs from the last observed one. Transient daemon errors are logged and never
// stop the loop; the last published template remains valid for consumers.
func (m *Manager) Run(ctx context.Context) {
	if err := m.refresh(ctx); err != nil {
		m.logger.Error("initial template fetch failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := m.client.GetInfo(ctx)
			if err != nil {
				m.logger.Warn("get_info failed", "error", err)
				continue
			}
			if info.Height != m.lastHeight {
				if err := m.refresh(ctx); err != nil {
					m.logger.Error("template refresh failed", "error", err)
				}
			}
		}
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	tmpl, err := m.client.GetBlockTemplate(ctx, m.cfg.WalletAddress, m.cfg.ReserveSize)
	if err != nil {
		return err
	}

	id := m.counter.Add(1)
	state := &State{
		TemplateID:        id,
		Height:            tmpl.Height,
		PrevHash:          tmpl.PrevHash,
		BlockTemplateBlob: tmpl.BlockTemplateBlob,
		BlockHashingBlob:  tmpl.BlockHashingBlob,
		Difficulty:        tmpl.Difficulty,
		ReservedOffset:    tmpl.ReservedOffset,
		ReserveSize:       m.cfg.ReserveSize,
		SeedHash:          tmpl.SeedHash,
		CreatedAt:         time.Now(),
	}

	m.lastHeight = tmpl.Height
	m.templatesRx.Add(1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TemplatesReceived.Inc()
	}
	m.publish(state)
	m.logger.Info("template published", "template_id", id, "height", tmpl.Height)
	return nil
}
