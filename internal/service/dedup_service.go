package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"go.uber.org/zap"
)

// DedupConfig holds the duplicate submission window settings
type DedupConfig struct {
	Window        time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// DedupService drops identical submissions that arrive within a short window
type DedupService struct {
	store   store.FingerprintStore
	config  DedupConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDedupService creates a new dedup service
func NewDedupService(
	fingerprints store.FingerprintStore,
	config DedupConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DedupService {
	return &DedupService{
		store:   fingerprints,
		config:  config,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// Fingerprint hashes the submitting user, the session key and the records
// sorted by individual id. Two tabs of the same user submitting the same
// batch in any order share a fingerprint.
func (s *DedupService) Fingerprint(userID, gatheringID int64, date string, records []model.RecordInput) string {
	sorted := make([]model.RecordInput, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IndividualID != sorted[j].IndividualID {
			return sorted[i].IndividualID < sorted[j].IndividualID
		}
		return !sorted[i].Present && sorted[j].Present
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d:%s", userID, gatheringID, date)
	for _, r := range sorted {
		fmt.Fprintf(&b, "|%d=%t", r.IndividualID, r.Present)
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// IsDuplicate reports whether fingerprint was seen within the window and
// records it otherwise. A failing backend lets the submission through.
func (s *DedupService) IsDuplicate(ctx context.Context, fingerprint string) bool {
	dup, err := s.store.CheckAndRecord(ctx, fingerprint, s.now(), s.config.Window)
	if err != nil {
		s.logger.Warn("Fingerprint check failed, applying submission",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return false
	}
	if dup {
		s.metrics.DedupHits.Inc()
		s.logger.Debug("Duplicate submission dropped", zap.String("fingerprint", fingerprint))
	}
	return dup
}

// Forget releases a fingerprint after a failed mutation so a retry is applied
func (s *DedupService) Forget(ctx context.Context, fingerprint string) {
	if err := s.store.Forget(ctx, fingerprint); err != nil {
		s.logger.Warn("Failed to forget fingerprint",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
}

// SweepOnce removes expired fingerprints from stores that keep them locally
func (s *DedupService) SweepOnce() int {
	sweeper, ok := s.store.(store.Sweeper)
	if !ok {
		return 0
	}
	removed := sweeper.Sweep(s.now(), s.config.Retention)
	s.metrics.DedupEntries.Set(float64(sweeper.Len()))
	if removed > 0 {
		s.logger.Debug("Swept expired fingerprints", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps on every interval until ctx is cancelled
func (s *DedupService) Run(ctx context.Context) error {
	if _, ok := s.store.(store.Sweeper); !ok {
		<-ctx.Done()
		return nil
	}

	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}
