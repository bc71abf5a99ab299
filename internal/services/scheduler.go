package services

import (
	"context"
	"errors"
	"time"

	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/logging"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// Scheduler fires synchronization passes at configured wall clock times.
// The configuration is re-read on every tick, so schedule and window
// changes take effect without a restart.
type Scheduler struct {
	syncSvc    *SyncService
	interval   time.Duration
	stopChan   chan bool
	loadConfig func() (*config.Config, error)
	now        func() time.Time

	// lastFired guards against double-firing within one minute; only
	// the scheduler goroutine touches it.
	lastFired string
}

// NewScheduler builds a scheduler over the sync service.
func NewScheduler(syncSvc *SyncService) *Scheduler {
	return &Scheduler{
		syncSvc:    syncSvc,
		interval:   30 * time.Second,
		stopChan:   make(chan bool),
		loadConfig: config.Load,
		now:        time.Now,
	}
}

// Start begins watching the clock.
func (s *Scheduler) Start() {
	logging.LogKV("info", "sync scheduler started", map[string]interface{}{"tick": s.interval.String()})

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopChan:
				ticker.Stop()
				logging.LogKV("info", "sync scheduler stopped", nil)
				return
			}
		}
	}()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopChan <- true
}

func (s *Scheduler) tick() {
	cfg, err := s.loadConfig()
	if err != nil {
		logging.Err("scheduler config reload failed", err, nil)
		return
	}
	if len(cfg.AutoSyncTimes) == 0 {
		return
	}

	now := s.now()
	minute := now.Format("15:04")
	stamp := now.Format("2006-01-02 15:04")
	if stamp == s.lastFired {
		return
	}

	for _, at := range cfg.AutoSyncTimes {
		if at != minute {
			continue
		}
		s.lastFired = stamp

		id, err := s.syncSvc.Trigger(context.Background(), TriggerOptions{
			DaysBack:  cfg.LookbackDays,
			ChunkDays: cfg.ChunkDays,
			Trigger:   TriggerScheduled,
		})
		if errors.Is(err, models.ErrSyncRunning) {
			logging.LogKV("warn", "scheduled sync skipped, a pass is already running", map[string]interface{}{"at": at})
			return
		}
		if err != nil {
			logging.Err("scheduled sync failed to start", err, map[string]interface{}{"at": at})
			return
		}
		logging.LogKV("info", "scheduled sync started", map[string]interface{}{"at": at, "run_id": id})
		return
	}
}
