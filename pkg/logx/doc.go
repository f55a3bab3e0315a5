// Package logx provides the process-wide structured logger.
//
// It wraps zerolog behind a small Field-based API so call sites stay
// stable while sinks and levels are swapped at runtime via Service.Apply.
// The zero Logger value is a safe no-op.
package logx
