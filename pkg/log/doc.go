// Package log wraps zerolog with Quilt's global logger, level parsing
// from QUILT_LOG_LEVEL, and component-scoped child loggers.
package log
