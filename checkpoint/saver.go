package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
)

// Plan is the version range a run should process.
type Plan struct {
	Start uint64
	// End is inclusive; nil means run until the source closes.
	End *uint64
	// Complete is set when a finished backfill is resumed without overwrite.
	// Nothing should be processed.
	Complete bool
	// Committed is set when Start itself is already durable.
	Committed bool
}

// Saver resolves the starting plan for a run and persists progress for each
// of its sinks. A Postgres run has one sink named after the processor; a
// parquet run has one sink per table, named "{processor}.{table}".
type Saver struct {
	store     Store
	processor string
	sinks     []string
	mode      config.ModeConfig
	logger    *logging.ComponentLogger

	mu  sync.Mutex
	end *uint64
}

// NewSaver builds a Saver. With no tables the processor itself is the only
// sink.
func NewSaver(store Store, processor string, mode config.ModeConfig, tables []string,
	logger *logging.ComponentLogger,
) *Saver {
	sinks := []string{processor}
	if len(tables) > 0 {
		sinks = make([]string, 0, len(tables))
		for _, table := range tables {
			sinks = append(sinks, SinkID(processor, table))
		}
	}
	return &Saver{
		store:     store,
		processor: processor,
		sinks:     sinks,
		mode:      mode,
		logger:    logger.With("checkpoint"),
		end:       mode.EndingVersion,
	}
}

// SinkID names the checkpoint row of one table-level sink.
func SinkID(processor, table string) string {
	return processor + "." + table
}

// SinkIDs returns the checkpoint names this saver reads and writes.
func (s *Saver) SinkIDs() []string {
	return s.sinks
}

func (s *Saver) backfillAlias(sink string) string {
	return sink + "_" + s.mode.BackfillID
}

// Plan computes where the run starts and ends from the persisted state.
// In backfill mode with overwrite set it also resets the existing rows.
func (s *Saver) Plan(ctx context.Context) (Plan, error) {
	var (
		plan Plan
		err  error
	)
	switch s.mode.Type {
	case config.ModeTesting:
		plan = s.testingPlan()
	case config.ModeBackfill:
		plan, err = s.backfillPlan(ctx)
	default:
		plan, err = s.livePlan(ctx)
	}
	if err != nil {
		return Plan{}, err
	}

	s.mu.Lock()
	s.end = plan.End
	s.mu.Unlock()

	event := s.logger.Info().
		Str("mode", string(s.mode.Type)).
		Uint64("starting_version", plan.Start).
		Bool("complete", plan.Complete)
	if plan.End != nil {
		event = event.Uint64("ending_version", *plan.End)
	}
	event.Msg("Resolved checkpoint plan")
	return plan, nil
}

func (s *Saver) testingPlan() Plan {
	start := uint64(0)
	if s.mode.OverrideStartingVersion != nil {
		start = *s.mode.OverrideStartingVersion
	}
	end := start
	if s.mode.EndingVersion != nil {
		end = *s.mode.EndingVersion
	}
	return Plan{Start: start, End: &end}
}

// liveMin returns the lowest live checkpoint across the sinks. Sinks with no
// row are skipped; ok is false when none has one.
func (s *Saver) liveMin(ctx context.Context) (uint64, bool, error) {
	var (
		lowest uint64
		found  bool
	)
	for _, sink := range s.sinks {
		status, err := s.store.GetProcessorStatus(ctx, sink)
		if err != nil {
			return 0, false, err
		}
		if status == nil {
			continue
		}
		if !found || status.LastSuccessVersion < lowest {
			lowest = status.LastSuccessVersion
			found = true
		}
	}
	return lowest, found, nil
}

func (s *Saver) livePlan(ctx context.Context) (Plan, error) {
	lowest, found, err := s.liveMin(ctx)
	if err != nil {
		return Plan{}, err
	}
	start := s.mode.InitialStartingVersion
	if found && lowest >= start {
		return Plan{Start: lowest, Committed: true}, nil
	}
	return Plan{Start: start}, nil
}

// backfillEnd is the configured ending version, or else the live checkpoint.
func (s *Saver) backfillEnd(ctx context.Context) (*uint64, error) {
	if s.mode.EndingVersion != nil {
		end := *s.mode.EndingVersion
		return &end, nil
	}
	lowest, found, err := s.liveMin(ctx)
	if err != nil || !found {
		return nil, err
	}
	return &lowest, nil
}

func (s *Saver) backfillPlan(ctx context.Context) (Plan, error) {
	initial := s.mode.InitialStartingVersion

	statuses := make(map[string]*BackfillStatus, len(s.sinks))
	allComplete := true
	for _, sink := range s.sinks {
		status, err := s.store.GetBackfillStatus(ctx, s.backfillAlias(sink))
		if err != nil {
			return Plan{}, err
		}
		statuses[sink] = status
		if status == nil || status.Status != BackfillComplete {
			allComplete = false
		}
	}

	if allComplete && !s.mode.OverwriteCheckpoint {
		end := s.mode.EndingVersion
		if end == nil {
			end = persistedEnd(statuses)
		}
		if end == nil {
			return Plan{}, fmt.Errorf("backfill %s is complete but has no ending version", s.mode.BackfillID)
		}
		return Plan{Start: *end, End: end, Complete: true}, nil
	}

	end, err := s.backfillEnd(ctx)
	if err != nil {
		return Plan{}, err
	}

	if s.mode.OverwriteCheckpoint {
		for sink, status := range statuses {
			if status == nil {
				continue
			}
			reset := BackfillStatus{
				Alias:                s.backfillAlias(sink),
				Status:               BackfillInProgress,
				LastSuccessVersion:   0,
				BackfillStartVersion: initial,
				BackfillEndVersion:   end,
			}
			if err := s.store.UpsertBackfillStatus(ctx, reset, false); err != nil {
				return Plan{}, err
			}
		}
		s.logger.Warn().
			Str("backfill_id", s.mode.BackfillID).
			Uint64("starting_version", initial).
			Msg("Overwriting backfill checkpoint")
		return Plan{Start: initial, End: end}, nil
	}

	var (
		start   uint64
		started bool
		resumed bool
	)
	for _, sink := range s.sinks {
		resume := initial
		if status := statuses[sink]; status != nil {
			resume = status.LastSuccessVersion + 1
			resumed = true
		}
		if !started || resume < start {
			start = resume
			started = true
		}
	}
	if resumed {
		s.logger.Warn().
			Str("backfill_id", s.mode.BackfillID).
			Uint64("starting_version", start).
			Msg("Resuming backfill from checkpoint")
	}
	return Plan{Start: start, End: end}, nil
}

func persistedEnd(statuses map[string]*BackfillStatus) *uint64 {
	var end *uint64
	for _, status := range statuses {
		if status == nil || status.BackfillEndVersion == nil {
			continue
		}
		if end == nil || *status.BackfillEndVersion < *end {
			v := *status.BackfillEndVersion
			end = &v
		}
	}
	return end
}

// Save records that sink has committed everything up to version. Testing
// mode never writes.
func (s *Saver) Save(ctx context.Context, sink string, version uint64, ts *time.Time) error {
	switch s.mode.Type {
	case config.ModeTesting:
		return nil
	case config.ModeBackfill:
		s.mu.Lock()
		end := s.end
		s.mu.Unlock()

		state := BackfillInProgress
		if end != nil && version >= *end {
			state = BackfillComplete
		}
		status := BackfillStatus{
			Alias:                    s.backfillAlias(sink),
			Status:                   state,
			LastSuccessVersion:       version,
			LastTransactionTimestamp: ts,
			BackfillStartVersion:     s.mode.InitialStartingVersion,
			BackfillEndVersion:       end,
		}
		return s.store.UpsertBackfillStatus(ctx, status, !s.mode.OverwriteCheckpoint)
	default:
		return s.store.UpsertProcessorStatus(ctx, ProcessorStatus{
			Processor:                sink,
			LastSuccessVersion:       version,
			LastTransactionTimestamp: ts,
		})
	}
}

// SaveAll records version for every sink.
func (s *Saver) SaveAll(ctx context.Context, version uint64, ts *time.Time) error {
	for _, sink := range s.sinks {
		if err := s.Save(ctx, sink, version, ts); err != nil {
			return err
		}
	}
	return nil
}
