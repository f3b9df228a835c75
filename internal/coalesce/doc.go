// Package coalesce rate-limits high-frequency triggers such as keystrokes or change
// notifications.
//
// Debouncer waits for a quiet period before invoking; Throttler bounds invocations
// to one per interval and keeps the latest buffered arguments for a trailing call.
// Both invoke their callback either on the caller's goroutine (leading or
// immediate edges) or on a timer goroutine (trailing edges), so callbacks must be
// safe to run from either.
package coalesce
