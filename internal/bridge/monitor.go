package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// Monitor is automatic mode: it syncs chain confirmations on a ticker,
// flags peg-ins with pending L2 withdrawals and, when enabled, broadcasts
// every transaction that becomes eligible.
type Monitor struct {
	bridge        *Bridge
	log           *logging.Logger
	autoBroadcast bool

	// Polling interval
	interval time.Duration

	// Context for background operations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flagged remembers L2 events already reported.
	mu      sync.Mutex
	flagged map[string]bool
}

// MonitorConfig holds configuration for the Monitor.
type MonitorConfig struct {
	Bridge        *Bridge
	Interval      time.Duration // Polling interval, default 30s
	AutoBroadcast bool
}

// NewMonitor creates a new monitor.
func NewMonitor(cfg *MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Monitor{
		bridge:        cfg.Bridge,
		log:           logging.GetDefault().Component("monitor"),
		autoBroadcast: cfg.AutoBroadcast,
		interval:      interval,
		ctx:           ctx,
		cancel:        cancel,
		flagged:       make(map[string]bool),
	}
}

// Start starts the monitor. The first pass runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info("Monitor started", "interval", m.interval, "auto_broadcast", m.autoBroadcast)
}

// Stop stops the monitor and waits for the current pass to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("Monitor stopped")
}

// run is the main monitoring loop.
func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}

// CheckNow runs one monitoring pass.
func (m *Monitor) CheckNow() {
	ctx, cancel := context.WithTimeout(m.ctx, m.passTimeout())
	defer cancel()

	if _, err := m.bridge.Sync(ctx); err != nil {
		m.log.Warn("Sync failed", "error", err, "retryable", IsRetryable(err))
		return
	}
	m.flagWithdrawals()

	if !m.autoBroadcast {
		return
	}
	sent, err := m.bridge.Advance(ctx)
	if err != nil {
		m.log.Warn("Advance failed", "error", err)
	}
	if len(sent) > 0 {
		m.log.Info("Broadcast eligible transactions", "count", len(sent))
	}
}

func (m *Monitor) passTimeout() time.Duration {
	if m.interval < 10*time.Second {
		return 10 * time.Second
	}
	return m.interval
}

// flagWithdrawals reports each pending L2 withdrawal once.
func (m *Monitor) flagWithdrawals() {
	pending, err := m.bridge.Watcher().PendingByPegIn()
	if err != nil {
		m.log.Warn("Failed to read L2 events", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for pegInID, events := range pending {
		for _, e := range events {
			if m.flagged[e.ID] {
				continue
			}
			m.flagged[e.ID] = true
			m.log.Info("Peg-in has a pending withdrawal", "peg_in", pegInID, "event", e.ID,
				"withdrawer", e.Withdrawer, "amount", e.Amount)
			m.bridge.emitEvent(Event{Type: EventWithdrawalPending, GraphID: pegInID, Detail: e.ID})
		}
	}
}
