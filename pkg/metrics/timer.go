package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Float64Timer records latencies in milliseconds into a distribution.
type Float64Timer struct {
	measureMs *stats.Float64Measure
	view      *view.View
}

// NewTimerMs creates a Float64Timer in milliseconds.
func NewTimerMs(name, desc string) *Float64Timer {
	log.Debugf("registering timer: %s - %s", name, desc)
	fMeasure := stats.Float64(name, desc, stats.UnitMilliseconds)
	fView := &view.View{
		Name:        name,
		Measure:     fMeasure,
		Description: desc,
		Aggregation: view.Distribution(0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	}
	if err := view.Register(fView); err != nil {
		// a panic here indicates a developer error when creating a view.
		panic(err)
	}
	return &Float64Timer{
		measureMs: fMeasure,
		view:      fView,
	}
}

// Start starts a stopwatch for the timer.
func (t *Float64Timer) Start(ctx context.Context) *Stopwatch {
	return &Stopwatch{
		start:    time.Now(),
		recorder: t.measureMs,
	}
}

// Stopwatch measures one interval for a Float64Timer.
type Stopwatch struct {
	start    time.Time
	recorder *stats.Float64Measure
}

// Stop records the elapsed time and returns it.
func (sw *Stopwatch) Stop(ctx context.Context) time.Duration {
	elapsed := time.Since(sw.start)
	stats.Record(ctx, sw.recorder.M(float64(elapsed)/float64(time.Millisecond)))
	return elapsed
}
