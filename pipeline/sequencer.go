package pipeline

import (
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
)

// CommitFunc is called for each batch once every earlier batch has been
// committed.
type CommitFunc func(result *BatchResult) error

// Sequencer commits batches strictly in version order. A batch that overlaps
// what was already committed, or leaves a gap after it, is rejected.
type Sequencer struct {
	nextExpected uint64
	started      bool

	commitFunc CommitFunc
	logger     *logging.ComponentLogger
}

// NewSequencer creates a sequencer. The first submitted batch fixes the
// expected start when startVersion is nil.
func NewSequencer(startVersion *uint64, commitFunc CommitFunc, logger *logging.ComponentLogger) *Sequencer {
	s := &Sequencer{
		commitFunc: commitFunc,
		logger:     logger.With("sequencer"),
	}
	if startVersion != nil {
		s.nextExpected = *startVersion
		s.started = true
	}
	return s
}

// Submit commits result if it directly follows the last committed batch.
func (s *Sequencer) Submit(result *BatchResult) error {
	start, end := result.Batch.StartVersion, result.Batch.EndVersion
	if !s.started {
		s.nextExpected = start
		s.started = true
	}
	switch {
	case start < s.nextExpected:
		return fmt.Errorf("batch %d-%d overlaps committed versions (next expected %d)", start, end, s.nextExpected)
	case start > s.nextExpected:
		s.logger.Error().
			Uint64("start_version", start).
			Uint64("next_expected", s.nextExpected).
			Msg("Batch skips uncommitted versions")
		return fmt.Errorf("batch %d-%d leaves a gap (next expected %d)", start, end, s.nextExpected)
	}

	if err := s.commitFunc(result); err != nil {
		return fmt.Errorf("failed to commit batch %d-%d: %w", start, end, err)
	}
	s.nextExpected = end + 1
	return nil
}
