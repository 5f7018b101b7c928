package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Config tunes the billing scheduler.
type Config struct {
	// GraceWindow keeps a subscription active after a missed rebill before
	// the expire pass deactivates it.
	GraceWindow time.Duration
	// DeadLetterWindow is how long a payment may stay pending before the
	// reconcile pass polls the processor for its state.
	DeadLetterWindow time.Duration
	// EventRetention bounds the webhook dedup window. Must comfortably
	// cover processor retry storms.
	EventRetention time.Duration

	RebillInterval    time.Duration
	ExpireInterval    time.Duration
	ReconcileInterval time.Duration
	CleanupInterval   time.Duration

	// AcquireLock/ReleaseLock guard each pass against overlapping scheduler
	// instances (rolling deploys). Nil means no external locking. Release
	// takes the token the acquire handed out, so only the holder that took
	// the lock can drop it.
	AcquireLock func(key string, ttl time.Duration) (string, bool, error)
	ReleaseLock func(key, token string) error
}

// DefaultConfig returns production defaults: 3-day grace, 24h dead-letter,
// 30-day dedup retention.
func DefaultConfig() Config {
	return Config{
		GraceWindow:       72 * time.Hour,
		DeadLetterWindow:  24 * time.Hour,
		EventRetention:    30 * 24 * time.Hour,
		RebillInterval:    time.Hour,
		ExpireInterval:    time.Hour,
		ReconcileInterval: 30 * time.Minute,
		CleanupInterval:   6 * time.Hour,
	}
}

const passLockTTL = 10 * time.Minute

// Manager drives the periodic billing passes as long-lived background
// workers. Request handling never blocks on it; it only calls the ledger's
// public operations.
type Manager struct {
	passes *Passes
	cfg    Config

	rebillTicker    *time.Ticker
	expireTicker    *time.Ticker
	reconcileTicker *time.Ticker
	cleanupTicker   *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager creates a scheduler manager around the batch passes.
func NewManager(passes *Passes, cfg Config) *Manager {
	return &Manager{
		passes: passes,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start starts the background billing workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting billing background workers")

	m.rebillTicker = time.NewTicker(m.cfg.RebillInterval)
	m.wg.Add(1)
	go m.worker("rebill", m.rebillTicker)

	m.expireTicker = time.NewTicker(m.cfg.ExpireInterval)
	m.wg.Add(1)
	go m.worker("expire", m.expireTicker)

	m.reconcileTicker = time.NewTicker(m.cfg.ReconcileInterval)
	m.wg.Add(1)
	go m.worker("reconcile", m.reconcileTicker)

	m.cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)
	m.wg.Add(1)
	go m.worker("cleanup", m.cleanupTicker)

	log.Info("[Scheduler] Started successfully")
}

// Stop stops the background workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping billing background workers...")

	if m.rebillTicker != nil {
		m.rebillTicker.Stop()
	}
	if m.expireTicker != nil {
		m.expireTicker.Stop()
	}
	if m.reconcileTicker != nil {
		m.reconcileTicker.Stop()
	}
	if m.cleanupTicker != nil {
		m.cleanupTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	log.Info("[Scheduler] Stopped successfully")
}

// IsRunning returns whether the manager is currently running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// TriggerPass runs one pass immediately, used by the external cron endpoint.
func (m *Manager) TriggerPass(ctx context.Context, name string) (PassStats, error) {
	return m.runLocked(ctx, name, time.Now())
}

func (m *Manager) worker(name string, ticker *time.Ticker) {
	defer m.wg.Done()
	log.Infof("[Scheduler] Started %s worker", name)

	for {
		select {
		case <-m.stopCh:
			log.Infof("[Scheduler] %s worker stopping", name)
			return
		case <-ticker.C:
			if _, err := m.runLocked(context.Background(), name, time.Now()); err != nil {
				log.Errorf("[Scheduler] %s pass error: %v", name, err)
			}
		}
	}
}

// runLocked takes the distributed pass lock (when configured) so two
// scheduler instances never run the same pass concurrently.
func (m *Manager) runLocked(ctx context.Context, name string, now time.Time) (PassStats, error) {
	if m.cfg.AcquireLock != nil {
		lockKey := "scheduler:" + name
		token, ok, err := m.cfg.AcquireLock(lockKey, passLockTTL)
		if err != nil {
			return PassStats{}, err
		}
		if !ok {
			log.Debugf("[Scheduler] %s pass already running elsewhere, skipping", name)
			return PassStats{}, nil
		}
		if m.cfg.ReleaseLock != nil {
			defer func() {
				if err := m.cfg.ReleaseLock(lockKey, token); err != nil {
					log.Errorf("[Scheduler] Failed to release %s lock: %v", name, err)
				}
			}()
		}
	}

	return m.passes.RunPass(ctx, name, now)
}
