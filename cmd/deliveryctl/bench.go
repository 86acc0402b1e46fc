package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/mysql"
)

const (
	defaultBenchJobs      = 1000
	defaultBenchPayload   = 256
	defaultBenchWorkers   = 4
	defaultBenchBatchSize = 50
	defaultSeedBatchSize  = 500
	percentileP50         = 0.50
	percentileP95         = 0.95
	percentileP99         = 0.99
)

type benchConfig struct {
	collection    string
	jobs          int
	payloadBytes  int
	workers       int
	batchSize     int
	pollInterval  time.Duration
	deliverDelay  time.Duration
	timeout       time.Duration
	seedBatchSize int
	jsonOutput    bool
}

type benchResult struct {
	Collection   string        `json:"collection"`
	Jobs         int           `json:"jobs"`
	Succeeded    int64         `json:"succeeded"`
	Claimed      int64         `json:"claimed"`
	Conflicts    int64         `json:"conflicts"`
	SeedDuration time.Duration `json:"seed_duration"`
	RunDuration  time.Duration `json:"run_duration"`
	Throughput   float64       `json:"throughput_jobs_per_sec"`
	Workers      int           `json:"workers"`
	BatchSize    int           `json:"batch_size"`
	ClaimP50Ms   float64       `json:"claim_p50_ms"`
	ClaimP95Ms   float64       `json:"claim_p95_ms"`
	ClaimP99Ms   float64       `json:"claim_p99_ms"`
	ClaimMaxMs   float64       `json:"claim_max_ms"`
	BatchP50Ms   float64       `json:"batch_p50_ms"`
	BatchP95Ms   float64       `json:"batch_p95_ms"`
	BatchSamples int           `json:"batch_samples"`
	ChangesAcked int64         `json:"changes_acked"`
	TimedOut     bool          `json:"timed_out"`
}

func newBenchCommand(rootOpts *rootOptions) *cobra.Command {
	cfg := benchConfig{seedBatchSize: defaultSeedBatchSize}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure end-to-end job throughput against MySQL",
		Long: `Seed documents into a fresh collection and run them to SUCCESS through the
change log relay and the delivery machine with a no-op deliverer.

The tables must exist (see "deliveryctl schema --apply").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.collection == "" {
				cfg.collection = fmt.Sprintf("bench-%d", time.Now().UnixNano())
			}
			if cfg.jobs <= 0 {
				return errors.New("jobs must be positive")
			}

			metrics := newBenchMetrics(int64(cfg.jobs))
			db, err := rootOpts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			db.SetMaxOpenConns(cfg.workers + defaultBenchWorkers)

			logger := rootOpts.logger(cmd)
			store, err := mysql.NewStore(
				db,
				mysql.WithTable(rootOpts.Table),
				mysql.WithChangeTable(rootOpts.ChangeTable),
				mysql.WithLogger(logger),
				mysql.WithRelayOptions(
					delivery.WithWorkers(cfg.workers),
					delivery.WithBatchSize(cfg.batchSize),
					delivery.WithPollInterval(cfg.pollInterval),
					delivery.WithRelayMetrics(metrics),
				),
			)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}

			res, err := runBench(cmd.Context(), db, store, cfg, metrics, logger)
			if err != nil {
				return err
			}

			return printBench(cmd, cfg, res)
		},
	}

	cmd.Flags().StringVarP(&cfg.collection, "collection", "c", "", "collection to seed (default: a fresh bench-<nanos> name)")
	cmd.Flags().IntVar(&cfg.jobs, "jobs", defaultBenchJobs, "number of documents to run")
	cmd.Flags().IntVar(&cfg.payloadBytes, "payload-bytes", defaultBenchPayload, "payload size per document")
	cmd.Flags().IntVar(&cfg.workers, "workers", defaultBenchWorkers, "relay workers")
	cmd.Flags().IntVar(&cfg.batchSize, "batch-size", defaultBenchBatchSize, "relay batch size")
	cmd.Flags().DurationVar(&cfg.pollInterval, "poll-interval", 10*time.Millisecond, "relay poll interval when idle")
	cmd.Flags().DurationVar(&cfg.deliverDelay, "deliver-delay", 0, "simulated delivery duration")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 5*time.Minute, "give up after this duration")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "print the result as JSON")

	return cmd
}

func runBench(ctx context.Context, db *sql.DB, store *mysql.Store, cfg benchConfig, metrics *benchMetrics, logger delivery.Logger) (benchResult, error) {
	res := benchResult{Collection: cfg.collection, Jobs: cfg.jobs, Workers: cfg.workers, BatchSize: cfg.batchSize}

	seedStart := time.Now()
	if err := seedDocuments(ctx, db, store, cfg); err != nil {
		return res, err
	}
	res.SeedDuration = time.Since(seedStart)
	logger.Info("bench seeded", "collection", cfg.collection, "jobs", cfg.jobs, "duration", res.SeedDuration)

	claims := &durationStats{}
	machine := delivery.NewMachine(store, delivery.WithLogger(logger), delivery.WithMetrics(metrics))
	deliver := delivery.DeliverFunc(func(ctx context.Context, doc delivery.Document) (any, error) {
		claims.Record(time.Since(doc.Delivery.StartTime))
		if cfg.deliverDelay > 0 {
			timer := time.NewTimer(cfg.deliverDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		return nil, nil
	})

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	metrics.onTarget(cancel)

	runStart := time.Now()
	err := store.Watch(runCtx, cfg.collection, machine.Handler(deliver))
	machine.Wait()
	res.RunDuration = time.Since(runStart)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return res, fmt.Errorf("watch: %w", err)
	}

	res.Succeeded = metrics.succeeded.Load()
	res.Claimed = metrics.claimed.Load()
	res.Conflicts = metrics.conflicts.Load()
	res.ChangesAcked = metrics.processed.Load()
	res.TimedOut = res.Succeeded < int64(cfg.jobs)
	if res.RunDuration > 0 {
		res.Throughput = float64(res.Succeeded) / res.RunDuration.Seconds()
	}

	claim := claims.Snapshot()
	res.ClaimP50Ms = msFloat(claim.P50)
	res.ClaimP95Ms = msFloat(claim.P95)
	res.ClaimP99Ms = msFloat(claim.P99)
	res.ClaimMaxMs = msFloat(claim.Max)
	batch := metrics.batch.Snapshot()
	res.BatchP50Ms = msFloat(batch.P50)
	res.BatchP95Ms = msFloat(batch.P95)
	res.BatchSamples = batch.Count

	return res, nil
}

func seedDocuments(ctx context.Context, db *sql.DB, store *mysql.Store, cfg benchConfig) error {
	payload, err := json.Marshal(map[string]string{"data": fillPayload(cfg.payloadBytes)})
	if err != nil {
		return err
	}
	for start := 0; start < cfg.jobs; start += cfg.seedBatchSize {
		end := min(start+cfg.seedBatchSize, cfg.jobs)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("seed begin tx: %w", err)
		}
		for i := start; i < end; i++ {
			ref := delivery.Ref{Collection: cfg.collection, ID: fmt.Sprintf("job-%08d", i)}
			if err := store.Insert(ctx, tx, ref, payload); err != nil {
				_ = tx.Rollback()

				return fmt.Errorf("seed %s: %w", ref, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("seed commit: %w", err)
		}
	}

	return nil
}

func printBench(cmd *cobra.Command, cfg benchConfig, res benchResult) error {
	out := cmd.OutOrStdout()
	if cfg.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	}

	fmt.Fprintf(out, "collection:  %s\n", res.Collection)
	fmt.Fprintf(out, "jobs:        %d succeeded=%d claimed=%d conflicts=%d\n", res.Jobs, res.Succeeded, res.Claimed, res.Conflicts)
	fmt.Fprintf(out, "seed:        %s\n", res.SeedDuration.Round(time.Millisecond))
	fmt.Fprintf(out, "run:         %s (%.1f jobs/s)\n", res.RunDuration.Round(time.Millisecond), res.Throughput)
	fmt.Fprintf(out, "claim lag:   p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n", res.ClaimP50Ms, res.ClaimP95Ms, res.ClaimP99Ms, res.ClaimMaxMs)
	fmt.Fprintf(out, "relay batch: p50=%.2fms p95=%.2fms n=%d acked=%d\n", res.BatchP50Ms, res.BatchP95Ms, res.BatchSamples, res.ChangesAcked)
	if res.TimedOut {
		return fmt.Errorf("timed out after %s with %d of %d jobs done", cfg.timeout, res.Succeeded, res.Jobs)
	}

	return nil
}

func fillPayload(size int) string {
	if size <= 0 {
		return ""
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 'a' + byte(i%26)
	}

	return string(buf)
}

// benchMetrics counts machine and relay events and stops the run once target jobs succeeded.
type benchMetrics struct {
	delivery.NopMetrics

	target    int64
	succeeded atomic.Int64
	claimed   atomic.Int64
	conflicts atomic.Int64
	processed atomic.Int64
	batch     durationStats

	mu     sync.Mutex
	cancel func()
}

func newBenchMetrics(target int64) *benchMetrics {
	return &benchMetrics{target: target}
}

func (m *benchMetrics) onTarget(cancel func()) {
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
}

func (m *benchMetrics) AddSucceeded(n int) {
	if m.succeeded.Add(int64(n)) < m.target {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *benchMetrics) AddClaimed(n int) {
	m.claimed.Add(int64(n))
}

func (m *benchMetrics) AddConflicts(n int) {
	m.conflicts.Add(int64(n))
}

func (m *benchMetrics) AddProcessed(n int) {
	m.processed.Add(int64(n))
}

func (m *benchMetrics) ObserveBatchDuration(d time.Duration) {
	m.batch.Record(d)
}

type durationStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (s *durationStats) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, d)
	s.mu.Unlock()
}

func (s *durationStats) Snapshot() durationSnapshot {
	s.mu.Lock()
	samples := append([]time.Duration(nil), s.samples...)
	s.mu.Unlock()
	if len(samples) == 0 {
		return durationSnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return durationSnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: len(samples),
	}
}

type durationSnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
