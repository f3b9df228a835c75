// Package asyncop manages the lifecycle of a single logical asynchronous operation.
//
// # Overview
//
// A Controller wraps a caller-supplied Operation and turns each Execute call into a
// state machine walk:
//
//	idle ──Execute──> pending ──┬──> success
//	                            └──> error
//	success|error ──Execute──> pending
//	any ──Reset──> idle
//
// There is no terminal state; a controller is reusable for its whole lifetime.
//
// # Ordering
//
// Every Execute and Reset allocates a new request token. A result is committed only
// if its token is still current, so the last issued call wins regardless of the order
// in which operations finish. Superseded results are dropped silently: the caller
// gets false from Execute, nothing is logged as a failure and no callback fires.
//
// # Retries
//
// With RetryCount n an Execute call makes at most n+1 attempts. Retry k sleeps
// RetryDelay * 2^(k-1) first. Intermediate failures are never visible in State;
// only the final outcome is. The wait ends early when the caller's context is done,
// the call is superseded, or the controller is closed.
//
// # Cancellation
//
// Cancellation is cooperative. The caller's context is handed to the operation
// untouched; the controller itself never aborts an operation, it only refuses to
// commit stale or post-Close results. Operations that need a hard abort must watch
// the context themselves.
//
// # Dedup
//
// When Options.DedupeKey is set, concurrent attempts that map to the same key share
// one operation call (golang.org/x/sync/singleflight). Each Execute still holds its
// own token, so sharing never changes which caller's result is committed.
//
// # Usage
//
//	search := asyncop.New(func(ctx context.Context, q string) ([]Result, error) {
//		return backend.Search(ctx, q)
//	}, asyncop.Options[string, []Result]{
//		RetryCount:       2,
//		RetryDelay:       100 * time.Millisecond,
//		KeepPreviousData: true,
//	})
//	defer search.Close()
//
//	results, ok := search.Execute(ctx, "kyoto")
package asyncop
