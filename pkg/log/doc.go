// Package log provides structured logging built on zerolog with a global
// logger and helpers for component-scoped child loggers.
package log
