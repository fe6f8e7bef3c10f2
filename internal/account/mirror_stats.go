package account

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// MirrorStats counts how many account.updated webhooks created a new mirror
// row versus refreshed an existing one. The split is a cheap signal for how
// often hosts onboard relative to how often Stripe re-sends account state.
type MirrorStats struct {
	inserted atomic.Int64
	updated  atomic.Int64
}

func (s *MirrorStats) recordInsert() { s.inserted.Add(1) }
func (s *MirrorStats) recordUpdate() { s.updated.Add(1) }

// Inserted returns how many upserts created a new mirror row.
func (s *MirrorStats) Inserted() int64 { return s.inserted.Load() }

// Updated returns how many upserts refreshed an existing mirror row.
func (s *MirrorStats) Updated() int64 { return s.updated.Load() }

// Total returns the number of mirror upserts applied.
func (s *MirrorStats) Total() int64 { return s.Inserted() + s.Updated() }

func (s *MirrorStats) String() string {
	return fmt.Sprintf("inserted=%d updated=%d total=%d", s.Inserted(), s.Updated(), s.Total())
}

// LogSummary emits the cumulative mirror upsert counts, logged once at
// shutdown.
func (s *MirrorStats) LogSummary(logger *slog.Logger) {
	logger.Info("account mirror upserts",
		"inserted", s.Inserted(),
		"updated", s.Updated(),
		"total", s.Total(),
	)
}
