package services

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// MaintenanceService sweeps escrow holds that were never settled. A match
// crash between wager and payout leaves HELD rows behind; the sweep finds
// games with holds older than the threshold and reverts them, returning
// the wagers to their owners.
type MaintenanceService struct {
	wallet    *WalletService
	cron      *cron.Cron
	threshold time.Duration
}

func NewMaintenanceService(wallet *WalletService) *MaintenanceService {
	viper.SetDefault("maintenance.stale_hold_threshold", 24*time.Hour)
	viper.SetDefault("maintenance.sweep_schedule", "0 0 * * *")

	return &MaintenanceService{
		wallet:    wallet,
		cron:      cron.New(),
		threshold: viper.GetDuration("maintenance.stale_hold_threshold"),
	}
}

// Start runs one sweep immediately, then on the configured schedule.
func (ms *MaintenanceService) Start() error {
	schedule := viper.GetString("maintenance.sweep_schedule")
	if _, err := ms.cron.AddFunc(schedule, ms.SweepStaleHolds); err != nil {
		return err
	}
	ms.cron.Start()
	log.Printf("[MAINTENANCE] Stale hold sweep scheduled (%s, threshold %s)", schedule, ms.threshold)

	go ms.SweepStaleHolds()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (ms *MaintenanceService) Stop() {
	<-ms.cron.Stop().Done()
}

// SweepStaleHolds reverts every game that still has HELD escrow older than
// the threshold. A failure on one game does not stop the sweep.
func (ms *MaintenanceService) SweepStaleHolds() {
	gameIDs, err := ms.wallet.FindStaleGameIDs(ms.threshold)
	if err != nil {
		log.Printf("[MAINTENANCE] Stale hold scan failed: %v", err)
		return
	}
	if len(gameIDs) == 0 {
		log.Printf("[MAINTENANCE] No stale holds found")
		return
	}

	log.Printf("[MAINTENANCE] Found %d games with stale holds", len(gameIDs))
	reverted := 0
	for _, gameID := range gameIDs {
		if _, err := ms.wallet.RevertGame(gameID); err != nil {
			log.Printf("[MAINTENANCE] Failed to revert stale game %s: %v", gameID, err)
			continue
		}
		reverted++
	}
	log.Printf("[MAINTENANCE] Sweep complete: %d/%d stale games reverted", reverted, len(gameIDs))
}
