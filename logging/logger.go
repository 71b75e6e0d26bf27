package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger provides structured logging for pipeline components
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates a component-specific logger with consistent context
func NewComponentLogger(componentName, version string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))

	// Console output for development
	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	logger := log.With().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{
		logger: logger,
	}
}

// NewNopLogger returns a logger that discards everything. Used by tests.
func NewNopLogger() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger tagged with a sub-component name
func (cl *ComponentLogger) With(subComponent string) *ComponentLogger {
	return &ComponentLogger{
		logger: cl.logger.With().Str("step", subComponent).Logger(),
	}
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// LogStartup logs processor startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("run_id", config.RunID).
		Str("processor", config.Processor).
		Str("mode", config.Mode).
		Str("sink", config.Sink).
		Uint64("starting_version", config.StartingVersion).
		Bool("bounded", config.EndingVersion != nil).
		Int("channel_size", config.ChannelSize).
		Msg("Starting processor")
}

// LogBatch logs the completion of one committed batch
func (cl *ComponentLogger) LogBatch(startVersion, endVersion uint64, rows int, duration time.Duration) {
	count := endVersion - startVersion + 1
	rate := 0.0
	if duration > 0 {
		rate = float64(count) / duration.Seconds()
	}
	cl.Info().
		Uint64("start_version", startVersion).
		Uint64("end_version", endVersion).
		Int("rows", rows).
		Dur("processing_time", duration).
		Float64("versions_per_second", rate).
		Msg("Batch committed")
}

// StartupConfig represents processor startup configuration
type StartupConfig struct {
	RunID           string
	Processor       string
	Mode            string
	Sink            string
	StartingVersion uint64
	EndingVersion   *uint64
	ChannelSize     int
}
