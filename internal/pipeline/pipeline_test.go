package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/device-aggregator/internal/aggregator"
	"github.com/stuartshay/device-aggregator/internal/calculator"
	"github.com/stuartshay/device-aggregator/internal/ledger"
	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

type fakeReader struct {
	rows  []telemetry.Row
	err   error
	delay time.Duration
	// honorCtx makes the reader return early when the context ends
	honorCtx bool
}

func (f *fakeReader) FetchWindow(ctx context.Context, _ telemetry.Window) ([]telemetry.Row, error) {
	if f.delay > 0 {
		if f.honorCtx {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(f.delay)
		}
	}
	return f.rows, f.err
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   int
	written map[string]telemetry.DeviceSummary
	err     error
}

func (f *fakeWriter) WriteSummaries(_ context.Context, _ telemetry.Window, summaries map[string]telemetry.DeviceSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.written = summaries
	return nil
}

func row(device string, temperature, lat, lon float64, ts int64) telemetry.Row {
	return telemetry.Row{
		DeviceID:    device,
		Temperature: &temperature,
		Location:    []byte(fmt.Sprintf(`{"latitude": %v, "longitude": %v}`, lat, lon)),
		Timestamp:   ts,
	}
}

var window = telemetry.Window{Start: 0, End: 3600}

func TestRun_Success(t *testing.T) {
	bad := row("dev-1", 0, 0, 0, 150)
	bad.Location = []byte(`{"latitude": 0}`)

	reader := &fakeReader{rows: []telemetry.Row{
		row("dev-1", 20, 0, 0, 100),
		bad,
		row("dev-2", 30, 10, 10, 120),
		row("dev-1", 25, 0, 1, 200),
		row("dev-1", 18, 0, 2, 300),
	}}
	writer := &fakeWriter{}
	store := ledger.NewMemory(0)

	runner := NewRunner(reader, writer, WithLedger(store))
	run, err := runner.Run(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 5, run.Result.RowsFetched)
	assert.Equal(t, 4, run.Result.RowsFolded)
	assert.Equal(t, 1, run.Result.RowsSkipped)
	assert.Equal(t, 2, run.Result.DevicesWritten)

	assert.Equal(t, 1, writer.calls)
	require.Len(t, writer.written, 2)
	dev1 := writer.written["dev-1"]
	assert.Equal(t, 3, dev1.DataPoints)
	assert.Equal(t, 25.0, dev1.MaxTemperature)
	assert.InDelta(t, 2*calculator.Haversine(0, 0, 0, 1), dev1.DistanceMoved, 1e-9)
	assert.Equal(t, int64(300), dev1.LastTime)

	recorded, err := store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, recorded.Status)
}

func TestRun_EmptyWindowStillSucceeds(t *testing.T) {
	writer := &fakeWriter{}
	run, err := NewRunner(&fakeReader{rows: []telemetry.Row{}}, writer).Run(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, run.Status)
	assert.Equal(t, 0, run.Result.DevicesWritten)
	assert.Empty(t, writer.written)
}

func TestRun_FetchFailure(t *testing.T) {
	writer := &fakeWriter{}
	store := ledger.NewMemory(0)
	cause := errors.New("connection reset by peer")

	run, err := NewRunner(&fakeReader{err: cause}, writer, WithLedger(store)).Run(context.Background(), window)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageFetch, stageErr.Stage)
	assert.Equal(t, window, stageErr.Window)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch stage failed for window")

	assert.Zero(t, writer.calls, "nothing may be written after a failed fetch")

	recorded, getErr := store.Get(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, ledger.StatusFailed, recorded.Status)
	assert.Equal(t, StageFetch, recorded.FailedStage)
}

func TestRun_AbortPolicyFailsAggregateStage(t *testing.T) {
	bad := row("dev-1", 1, 0, 0, 2)
	bad.Temperature = nil
	writer := &fakeWriter{}

	runner := NewRunner(
		&fakeReader{rows: []telemetry.Row{row("dev-1", 1, 0, 0, 1), bad}},
		writer,
		WithAggregator(aggregator.New(aggregator.WithPolicy(aggregator.PolicyAbort))),
	)

	run, err := runner.Run(context.Background(), window)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageAggregate, stageErr.Stage)
	assert.ErrorIs(t, err, telemetry.ErrMalformedReading)
	assert.Zero(t, writer.calls)
	assert.Equal(t, 2, run.Result.RowsFetched)
}

func TestRun_WriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("deadlock found")}

	run, err := NewRunner(&fakeReader{rows: []telemetry.Row{row("d", 1, 0, 0, 1)}}, writer).
		Run(context.Background(), window)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageWrite, stageErr.Stage)
	assert.Equal(t, ledger.StatusFailed, run.Status)
	assert.Equal(t, 0, run.Result.DevicesWritten)
}

func TestRun_TimeoutDuringFetch(t *testing.T) {
	writer := &fakeWriter{}
	reader := &fakeReader{delay: time.Second, honorCtx: true}

	_, err := NewRunner(reader, writer, WithTimeout(20*time.Millisecond)).Run(context.Background(), window)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageFetch, stageErr.Stage)
	assert.Zero(t, writer.calls)
}

func TestRun_NoWriteAfterDeadline(t *testing.T) {
	writer := &fakeWriter{}
	// reader ignores the context and returns data after the deadline
	reader := &fakeReader{rows: []telemetry.Row{row("d", 1, 0, 0, 1)}, delay: 50 * time.Millisecond}

	run, err := NewRunner(reader, writer, WithTimeout(10*time.Millisecond)).Run(context.Background(), window)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, writer.calls, "a run past its deadline must not write")
	assert.Equal(t, StageWrite, run.FailedStage)
}

func TestRun_InvalidWindow(t *testing.T) {
	writer := &fakeWriter{}
	_, err := NewRunner(&fakeReader{}, writer).Run(context.Background(), telemetry.Window{Start: 10, End: 10})
	require.Error(t, err)
	assert.Zero(t, writer.calls)
}

func TestRun_ConcurrentRunsAreIndependent(t *testing.T) {
	store := ledger.NewMemory(0)

	var wg sync.WaitGroup
	writers := make([]*fakeWriter, 4)
	for i := range writers {
		writers[i] = &fakeWriter{}
		device := fmt.Sprintf("dev-%d", i)
		reader := &fakeReader{rows: []telemetry.Row{
			row(device, float64(i), 0, 0, 1),
			row(device, float64(i), 0, float64(i+1), 2),
		}}

		wg.Add(1)
		go func(w *fakeWriter) {
			defer wg.Done()
			_, err := NewRunner(reader, w, WithLedger(store)).Run(context.Background(), window)
			assert.NoError(t, err)
		}(writers[i])
	}
	wg.Wait()

	for i, w := range writers {
		require.Len(t, w.written, 1)
		got := w.written[fmt.Sprintf("dev-%d", i)]
		assert.Equal(t, 2, got.DataPoints)
		assert.InDelta(t, calculator.Haversine(0, 0, 0, float64(i+1)), got.DistanceMoved, 1e-9)
	}

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st["completed"])
}
