/*
Package log provides structured logging for zeroloop using zerolog.

The package wraps zerolog behind a small surface: Init configures the
global logger once at process start (level, JSON vs console output,
destination writer), and the With* helpers derive child loggers carrying
a fixed context field.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	loopLog := log.WithComponent("loop")
	loopLog.Info().Int("generation", gi).Msg("generation finished")

Console output is intended for interactive runs; JSON output for runs
whose logs are shipped elsewhere. Note that this is process logging only:
training metrics go through the mlog package, not here.
*/
package log
