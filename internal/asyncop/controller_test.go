package asyncop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/five82/asyncstate/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew_StartsIdleOrSeeded(t *testing.T) {
	c := New(func(context.Context, int) (string, error) { return "", nil }, Options[int, string]{})
	assert.True(t, c.IsIdle())
	_, has := c.Data()
	assert.False(t, has)

	initial := "cached"
	seeded := New(func(context.Context, int) (string, error) { return "", nil }, Options[int, string]{
		InitialData: &initial,
	})
	assert.True(t, seeded.IsSuccess())
	data, has := seeded.Data()
	assert.True(t, has)
	assert.Equal(t, "cached", data)

	seeded.Reset()
	assert.True(t, seeded.IsIdle())
	_, has = seeded.Data()
	assert.False(t, has, "Reset clears data")
}

func TestExecute_LastIssuedWins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		gates := map[string]chan struct{}{
			"A": make(chan struct{}),
			"B": make(chan struct{}),
			"C": make(chan struct{}),
		}

		var mu sync.Mutex
		var successes []string
		var committed []State[string]
		returned := make(map[string]bool)

		c := New(func(ctx context.Context, id string) (string, error) {
			<-gates[id]
			return "result-" + id, nil
		}, Options[string, string]{
			OnSuccess: func(v string) {
				mu.Lock()
				successes = append(successes, v)
				mu.Unlock()
			},
		})
		c.Subscribe(func(s State[string]) {
			mu.Lock()
			committed = append(committed, s)
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for _, id := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok := c.Execute(context.Background(), id)
				mu.Lock()
				returned[id] = ok
				mu.Unlock()
			}()
			synctest.Wait()
		}

		// Resolve in order C, A, B.
		close(gates["C"])
		synctest.Wait()
		assert.Equal(t, "result-C", c.State().Data)

		close(gates["A"])
		synctest.Wait()
		close(gates["B"])
		wg.Wait()

		st := c.State()
		assert.Equal(t, StatusSuccess, st.Status)
		assert.Equal(t, "result-C", st.Data)
		assert.Nil(t, st.Err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"result-C"}, successes)
		assert.Equal(t, map[string]bool{"A": false, "B": false, "C": true}, returned)
		for _, s := range committed {
			if s.IsSuccess() {
				assert.Equal(t, "result-C", s.Data, "only the last issued call may commit")
			}
		}
	})
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls []time.Time
		c := New(func(context.Context, struct{}) (int, error) {
			calls = append(calls, time.Now())
			if len(calls) < 3 {
				return 0, fmt.Errorf("attempt %d failed", len(calls))
			}
			return 42, nil
		}, Options[struct{}, int]{RetryCount: 2, RetryDelay: 100 * time.Millisecond})

		var statuses []Status
		c.Subscribe(func(s State[int]) { statuses = append(statuses, s.Status) })

		got, ok := c.Execute(context.Background(), struct{}{})
		require.True(t, ok)
		assert.Equal(t, 42, got)
		require.Len(t, calls, 3)
		assert.Equal(t, 100*time.Millisecond, calls[1].Sub(calls[0]))
		assert.Equal(t, 200*time.Millisecond, calls[2].Sub(calls[1]))

		// Intermediate failures never surface.
		assert.Equal(t, []Status{StatusPending, StatusSuccess}, statuses)
		assert.True(t, c.IsSuccess())
	})
}

func TestExecute_RetryExhaustion(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		var thrown []error
		var reported []error

		c := New(func(context.Context, string) (string, error) {
			err := fmt.Errorf("failure %d", len(thrown)+1)
			thrown = append(thrown, err)
			return "", err
		}, Options[string, string]{
			RetryCount: 1,
			RetryDelay: 50 * time.Millisecond,
			OnError:    func(err error) { reported = append(reported, err) },
			Logger:     zap.New(core),
			Name:       "always-fails",
		})

		_, ok := c.Execute(context.Background(), "q")
		assert.False(t, ok)
		require.Len(t, thrown, 2)

		st := c.State()
		assert.Equal(t, StatusError, st.Status)
		assert.Same(t, thrown[1], st.Err)
		assert.False(t, st.HasData)
		require.Len(t, reported, 1)
		assert.Same(t, thrown[1], reported[0])

		warn := logs.FilterMessage("operation failed").All()
		require.Len(t, warn, 1)
		assert.Equal(t, zapcore.WarnLevel, warn[0].Level)
		assert.Equal(t, "always-fails", warn[0].ContextMap()["operation"])
	})
}

func TestExecute_KeepPreviousData(t *testing.T) {
	tests := []struct {
		name        string
		keep        bool
		wantPending bool
		wantError   bool
	}{
		{"keep previous data", true, true, true},
		{"drop previous data", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				c := New(func(context.Context, int) (string, error) {
					return "first", nil
				}, Options[int, string]{KeepPreviousData: tt.keep})

				_, ok := c.Execute(context.Background(), 1)
				require.True(t, ok)

				release := make(chan struct{})
				boom := errors.New("boom")
				c.SetOperation(func(context.Context, int) (string, error) {
					<-release
					return "", boom
				})

				done := make(chan struct{})
				go func() {
					defer close(done)
					c.Execute(context.Background(), 2)
				}()
				synctest.Wait()

				pending := c.State()
				assert.Equal(t, StatusPending, pending.Status)
				assert.Equal(t, tt.wantPending, pending.HasData)
				if tt.wantPending {
					assert.Equal(t, "first", pending.Data)
				} else {
					assert.Equal(t, "", pending.Data)
				}

				close(release)
				<-done

				final := c.State()
				assert.Equal(t, StatusError, final.Status)
				assert.ErrorIs(t, final.Err, boom)
				assert.Equal(t, tt.wantError, final.HasData)
				if tt.wantError {
					assert.Equal(t, "first", final.Data)
				}
			})
		})
	}
}

func TestReset_DiscardsInFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		successCalls := 0
		c := New(func(context.Context, int) (int, error) {
			<-release
			return 7, nil
		}, Options[int, int]{OnSuccess: func(int) { successCalls++ }})

		done := make(chan bool)
		go func() {
			_, ok := c.Execute(context.Background(), 0)
			done <- ok
		}()
		synctest.Wait()
		require.True(t, c.IsPending())

		c.Reset()
		assert.True(t, c.IsIdle())

		close(release)
		assert.False(t, <-done)
		assert.True(t, c.IsIdle(), "a superseded result must not mutate state")
		assert.Zero(t, successCalls)
	})
}

func TestClose_SuppressesCommitsAndCallbacks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		calls := 0
		callbacks := 0
		c := New(func(context.Context, int) (int, error) {
			calls++
			<-release
			return 1, nil
		}, Options[int, int]{
			OnSuccess: func(int) { callbacks++ },
			OnError:   func(error) { callbacks++ },
		})

		done := make(chan bool)
		go func() {
			_, ok := c.Execute(context.Background(), 0)
			done <- ok
		}()
		synctest.Wait()

		c.Close()
		close(release)
		assert.False(t, <-done)
		assert.True(t, c.IsPending(), "state freezes at teardown")
		assert.Zero(t, callbacks)

		_, ok := c.Execute(context.Background(), 0)
		assert.False(t, ok)
		assert.Equal(t, 1, calls, "Execute after Close must not run the operation")
	})
}

func TestClose_ReleasesBackoffWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		c := New(func(context.Context, int) (int, error) {
			calls++
			return 0, errors.New("down")
		}, Options[int, int]{RetryCount: 5, RetryDelay: time.Hour})

		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.Execute(context.Background(), 0)
		}()
		synctest.Wait()

		c.Close()
		<-done
		assert.Equal(t, 1, calls)
		assert.Zero(t, time.Since(start), "Close must not wait out the back-off")
	})
}

func TestExecute_ContextCancelStopsRetrying(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lastErr := errors.New("unreachable")
		calls := 0
		c := New(func(context.Context, int) (int, error) {
			calls++
			return 0, lastErr
		}, Options[int, int]{RetryCount: 3, RetryDelay: time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.Execute(ctx, 0)
		}()
		synctest.Wait()
		cancel()
		<-done

		assert.Equal(t, 1, calls)
		assert.True(t, c.IsError())
		assert.Same(t, lastErr, c.Err())
	})
}

func TestExecute_PanicIsNormalized(t *testing.T) {
	c := New(func(context.Context, int) (int, error) {
		panic("not an error")
	}, Options[int, int]{})

	_, ok := c.Execute(context.Background(), 0)
	assert.False(t, ok)

	var opErr *OperationError
	require.ErrorAs(t, c.Err(), &opErr)
	assert.Equal(t, "not an error", opErr.Value)
	assert.Contains(t, opErr.Error(), "not an error")

	cause := errors.New("wrapped")
	c.SetOperation(func(context.Context, int) (int, error) { panic(cause) })
	c.Execute(context.Background(), 0)
	assert.ErrorIs(t, c.Err(), cause)
}

func TestExecute_NilOperation(t *testing.T) {
	c := New[int, int](nil, Options[int, int]{})
	_, ok := c.Execute(context.Background(), 0)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Err(), ErrNoOperation)
}

func TestExecute_DedupeSharesInFlightCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		calls := 0
		c := New(func(_ context.Context, q string) (string, error) {
			calls++
			<-release
			return "hits for " + q, nil
		}, Options[string, string]{DedupeKey: func(q string) string { return q }})

		results := make(chan bool, 2)
		for range 2 {
			go func() {
				_, ok := c.Execute(context.Background(), "tokyo")
				results <- ok
			}()
			synctest.Wait()
		}

		close(release)
		first, second := <-results, <-results
		assert.Equal(t, 1, calls)
		assert.ElementsMatch(t, []bool{true, false}, []bool{first, second})
		assert.Equal(t, "hits for tokyo", c.State().Data)
	})
}

func TestSetOperation_UsedByPendingRetry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(func(context.Context, int) (string, error) {
			return "", errors.New("stale operation")
		}, Options[int, string]{RetryCount: 1, RetryDelay: time.Second})

		done := make(chan string)
		go func() {
			v, _ := c.Execute(context.Background(), 0)
			done <- v
		}()
		synctest.Wait()

		c.SetOperation(func(context.Context, int) (string, error) { return "fresh", nil })
		assert.Equal(t, "fresh", <-done)
	})
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := New(func(_ context.Context, n int) (int, error) { return n * 2, nil }, Options[int, int]{})

	var got []State[int]
	cancel := c.Subscribe(func(s State[int]) { got = append(got, s) })
	c.Execute(context.Background(), 2)
	cancel()
	c.Execute(context.Background(), 3)

	want := []State[int]{
		{Status: StatusPending},
		{Status: StatusSuccess, Data: 4, HasData: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestMetrics_RecordDiscardedOutcome(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		set := metrics.New(prometheus.NewRegistry())
		release := make(chan struct{})
		c := New(func(_ context.Context, n int) (int, error) {
			if n == 1 {
				<-release
			}
			return n, nil
		}, Options[int, int]{Name: "lookup", Metrics: set.Operation})

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.Execute(context.Background(), 1)
		}()
		synctest.Wait()
		c.Execute(context.Background(), 2)
		close(release)
		<-done

		assert.Equal(t, 2.0, testutil.ToFloat64(set.Operation.Executions.WithLabelValues("lookup")))
		assert.Equal(t, 1.0, testutil.ToFloat64(set.Operation.Outcomes.WithLabelValues("lookup", metrics.OutcomeSuccess)))
		assert.Equal(t, 1.0, testutil.ToFloat64(set.Operation.Outcomes.WithLabelValues("lookup", metrics.OutcomeDiscarded)))
	})
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "status(9)", Status(9).String())
}

func TestBackoffDoublesAndSaturates(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{100 * time.Millisecond, 1, 100 * time.Millisecond},
		{100 * time.Millisecond, 2, 200 * time.Millisecond},
		{100 * time.Millisecond, 4, 800 * time.Millisecond},
		{time.Second, 40, time.Duration(math.MaxInt64)},
		{time.Second, 64, time.Duration(math.MaxInt64)},
		{time.Second, 200, time.Duration(math.MaxInt64)},
		{time.Nanosecond, 63, 1 << 62},
		{0, 5, 0},
	}
	for _, tt := range tests {
		got := backoff(tt.base, tt.attempt)
		assert.Equal(t, tt.want, got, "backoff(%v, %d)", tt.base, tt.attempt)
		assert.GreaterOrEqual(t, got, time.Duration(0))
	}
}
