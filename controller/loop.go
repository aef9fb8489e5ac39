// Package controller runs the cooperative control loop that owns every
// mutation of device state during a boot cycle.
package controller

import (
	"context"
	"errors"
	"time"
)

// DefaultTick is the gap between sensor/publish/pump passes.
const DefaultTick = 100 * time.Millisecond

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("control loop stopped")

// Exit says why Run returned.
type Exit int

const (
	ExitCanceled Exit = iota
	ExitRestart
	ExitSleep
)

func (e Exit) String() string {
	switch e {
	case ExitRestart:
		return "restart"
	case ExitSleep:
		return "sleep"
	default:
		return "canceled"
	}
}

// Result is the outcome of one Run.
type Result struct {
	Exit   Exit
	Reason string
}

// Poller refreshes sensor readings on its own cadence.
type Poller interface {
	Poll(now time.Time) bool
}

// Publisher ships readings and keeps its broker session alive.
type Publisher interface {
	MaybePublish(ctx context.Context, now time.Time) bool
	Pump(now time.Time)
}

// Logger is the subset of the application logger the loop needs.
type Logger interface {
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Config wires the loop's phases.
type Config struct {
	Sensors Poller
	// Publisher may be nil, which skips the publish and pump phases.
	Publisher Publisher
	// SleepAfterPublish ends Run with ExitSleep after the first publish.
	SleepAfterPublish bool
	Tick              time.Duration
	Logger            Logger
}

// Loop serialises HTTP work, sensor polling and publishing onto a single
// goroutine.
type Loop struct {
	cfg     Config
	work    chan func()
	restart chan string
	stopped chan struct{}
	now     func() time.Time
}

// New creates a loop. Run must be called exactly once.
func New(cfg Config) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Loop{
		cfg:     cfg,
		work:    make(chan func()),
		restart: make(chan string, 1),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Do runs fn on the loop goroutine and waits for it to return. It fails
// without running fn when ctx ends first or the loop has stopped.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case l.work <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// Restart asks Run to return ExitRestart. Only the first pending request is
// kept; Restart never blocks.
func (l *Loop) Restart(reason string) {
	select {
	case l.restart <- reason:
	default:
	}
}

// Run executes the loop until ctx ends, a restart is requested or, with
// SleepAfterPublish set, the first publish completes.
func (l *Loop) Run(ctx context.Context) Result {
	defer close(l.stopped)

	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	if r, done := l.tick(ctx); done {
		return r
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Exit: ExitCanceled, Reason: ctx.Err().Error()}
		case reason := <-l.restart:
			return l.restartResult(reason)
		case job := <-l.work:
			job()
		case <-ticker.C:
			if r, done := l.tick(ctx); done {
				return r
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) (Result, bool) {
	select {
	case reason := <-l.restart:
		return l.restartResult(reason), true
	default:
	}

	now := l.now()
	if l.cfg.Sensors != nil {
		l.cfg.Sensors.Poll(now)
	}
	if l.cfg.Publisher == nil {
		return Result{}, false
	}
	published := l.cfg.Publisher.MaybePublish(ctx, now)
	l.cfg.Publisher.Pump(now)
	if published && l.cfg.SleepAfterPublish {
		l.log().Info("Publish complete, entering deep sleep")
		return Result{Exit: ExitSleep, Reason: "deep sleep"}, true
	}
	return Result{}, false
}

func (l *Loop) restartResult(reason string) Result {
	l.log().Info("Restart requested", "reason", reason)
	return Result{Exit: ExitRestart, Reason: reason}
}

func (l *Loop) log() Logger {
	if l.cfg.Logger == nil {
		return nopLogger{}
	}
	return l.cfg.Logger
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
