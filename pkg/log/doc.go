/*
Package log provides structured logging for Burrow built on zerolog.

A single global logger is initialised once from CLI flags, then components
derive child loggers carrying their identity:

	logger := log.WithComponent("engine")
	logger.Info().Int("node_id", n.ID).Msg("Node complete")

Console output is the default; JSON output is selected with --log-json for
machine consumption.
*/
package log
