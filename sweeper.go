package delivery

import (
	"context"
	"errors"
	"time"
)

const (
	defaultSweepEvery = 30 * time.Second
	defaultSweepLimit = 100
)

// SweeperConfig controls periodic lease expiry.
type SweeperConfig struct {
	// Collection is the collection to scan (required).
	Collection string
	// CheckEvery is the interval between sweeps.
	CheckEvery time.Duration
	// Limit caps the number of documents expired per sweep.
	Limit int
	// Clock overrides the time source used to decide expiry.
	Clock Clock
	// Logger receives sweep failures.
	Logger Logger
}

// SweepResult reports the outcome of one sweep.
type SweepResult struct {
	Scanned int
	Expired int
}

// Sweeper expires stale PROCESSING leases without waiting for an unrelated write to the
// document. Notification-driven expiry alone only fires when something touches the document.
type Sweeper struct {
	scanner LeaseScanner
	machine *Machine
	cfg     SweeperConfig
}

// NewSweeper creates a sweeper with defaults applied.
func NewSweeper(scanner LeaseScanner, machine *Machine, cfg SweeperConfig) (*Sweeper, error) {
	if scanner == nil {
		return nil, errors.New("delivery sweeper: scanner is required")
	}
	if machine == nil {
		return nil, errors.New("delivery sweeper: machine is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("delivery sweeper: collection is required")
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultSweepEvery
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultSweepLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = machine.cfg.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = machine.cfg.Logger
	}

	return &Sweeper{scanner: scanner, machine: machine, cfg: cfg}, nil
}

// Run sweeps periodically until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := s.SweepOnce(ctx); err != nil {
		s.cfg.Logger.Warn("delivery sweep failed", "collection", s.cfg.Collection, "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.cfg.Logger.Warn("delivery sweep failed", "collection", s.cfg.Collection, "err", err)
			}
		}
	}
}

// SweepOnce expires every lease the scanner reports as stale.
// Documents that changed since the scan are re-checked inside the transaction and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	refs, err := s.scanner.ExpiredLeases(ctx, s.cfg.Collection, s.cfg.Clock.Now(), s.cfg.Limit)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(refs)}
	var errs []error
	for _, ref := range refs {
		expired, err := s.machine.ExpireLease(ctx, ref)
		if err != nil {
			// Another sweeper or trigger may be racing on the same document; the next
			// sweep picks it up again.
			s.cfg.Logger.Warn("delivery sweep could not expire lease", refArgs(ref, "err", err)...)
			errs = append(errs, err)

			continue
		}
		if expired {
			result.Expired++
		}
	}
	if result.Expired > 0 {
		s.cfg.Logger.Info("delivery sweep done", "collection", s.cfg.Collection, "scanned", result.Scanned, "expired", result.Expired)
	}

	return result, errors.Join(errs...)
}
