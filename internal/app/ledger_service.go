package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/config"
	"github.com/dokzlo13/dalid/internal/ledger"
)

// LedgerService runs retention cleanup for the event ledger.
type LedgerService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{cfg: cfg, ledger: l}
}

// Start begins periodic cleanup. Negative retention keeps history forever.
func (s *LedgerService) Start(ctx context.Context) {
	if s.cfg.Ledger.RetentionDays < 0 {
		log.Info().Msg("Ledger retention disabled")
		return
	}
	go s.runCleanup(ctx)
}

func (s *LedgerService) runCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	s.cleanup(retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *LedgerService) cleanup(retention time.Duration) {
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
