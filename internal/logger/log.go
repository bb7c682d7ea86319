// Package logger configures the process-wide phuslu/log defaults and hands
// out per-component loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"vmkintr/internal/config"

	"github.com/phuslu/log"
)

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(cfg *config.ConsoleConfig) (log.Writer, error) {
	var baseWriter io.Writer
	switch cfg.Writer {
	case "stdout":
		baseWriter = os.Stdout
	default:
		baseWriter = os.Stderr
	}

	var writer log.Writer
	if cfg.FastIO {
		// Raw JSON output
		writer = &log.IOWriter{Writer: baseWriter}
	} else {
		consoleWriter := &log.ConsoleWriter{
			ColorOutput:    cfg.ColorOutput,
			QuoteString:    cfg.QuoteString,
			EndWithMessage: true,
			Writer:         baseWriter,
		}
		if cfg.Format == "logfmt" {
			consoleWriter.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
		}
		writer = consoleWriter
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      writer,
		}, nil
	}
	return writer, nil
}

// createFileWriter creates a file writer based on configuration
func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.EnsureFolder {
		dir := filepath.Dir(cfg.Filename)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	baseWriter := &log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024, // MB to bytes
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		EnsureFolder: cfg.EnsureFolder,
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}

	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console)

	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)

	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter creates a multi-writer that outputs to multiple destinations
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer

	for _, output := range outputs {
		writer, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		if writer != nil {
			writers = append(writers, writer)
		}
	}

	if len(writers) == 0 {
		// Fallback to stderr if no writers are configured
		return &log.IOWriter{Writer: os.Stderr}, nil
	}
	if len(writers) == 1 {
		return writers[0], nil
	}

	multiWriter := log.MultiEntryWriter(writers)
	return &multiWriter, nil
}

// ConfigureLogging configures the global DefaultLogger with user configuration
func ConfigureLogging(cfg config.LoggingConfig) error {
	multiWriter, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: time.Local,
		Writer:       multiWriter,
	}

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")

	return nil
}

// NewLoggerWithContext creates a new logger by copying the global
// DefaultLogger (which contains all user configuration) and adding
// component-specific context. Call after ConfigureLogging.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // Disable caller for component loggers to avoid confusion
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
