// Package idle infers the end of a session from the absence of activity.
//
// A [Detector] keeps the last-activity instant for the session being tracked
// and polls it against a threshold. When the gap exceeds the threshold it
// emits one [Timeout] on [Detector.Timeouts] and does not fire again until it
// is re-armed with [Detector.Start].
package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/worktime/internal/schedule"
)

// DefaultPollInterval is the check cadence used when none is configured.
const DefaultPollInterval = time.Minute

// Timeout reports that a session went idle. LastActivity is the instant the
// session should be closed at.
type Timeout struct {
	SessionID    string
	LastActivity time.Time
}

// Status is a side-effect-free snapshot of the detector.
type Status struct {
	IsTracking      bool  `json:"isTracking"`
	IdleTimeMs      int64 `json:"idleTimeMs"`
	IdleThresholdMs int64 `json:"idleThresholdMs"`
	IsIdle          bool  `json:"isIdle"`
}

// Options configures a [Detector].
type Options struct {
	// Threshold is the allowed gap since last activity. Non-positive
	// disables timeouts.
	Threshold time.Duration
	// PollInterval is how often the gap is checked.
	PollInterval time.Duration
	// AutoStop arms the periodic check. When false the detector still
	// records activity and answers Status, but never emits a Timeout.
	AutoStop bool
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Detector is safe for concurrent use.
type Detector struct {
	opts     Options
	timeouts chan Timeout

	mu           sync.Mutex
	tracking     bool
	fired        bool
	sessionID    string
	lastActivity time.Time
	task         *schedule.Task
}

// New returns an unarmed detector.
func New(opts Options) *Detector {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	return &Detector{opts: opts, timeouts: make(chan Timeout, 1)}
}

// Timeouts delivers at most one event per armed session.
func (d *Detector) Timeouts() <-chan Timeout { return d.timeouts }

// Threshold returns the configured idle threshold.
func (d *Detector) Threshold() time.Duration { return d.opts.Threshold }

// Start arms the detector for sessionID with lastActivity set to at. Any
// previous session is stopped first.
func (d *Detector) Start(sessionID string, at time.Time) {
	d.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracking = true
	d.fired = false
	d.sessionID = sessionID
	d.lastActivity = at
	if d.opts.AutoStop && d.opts.Threshold > 0 {
		d.task = schedule.Every(d.opts.PollInterval, func(context.Context) { d.check() })
	}
	slog.Debug("idle detection armed", "session", sessionID, "threshold", d.opts.Threshold)
}

// Stop disarms the detector. When it returns no check is running and any
// undelivered timeout has been discarded. Safe to call when already stopped.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.tracking = false
	task := d.task
	d.task = nil
	d.mu.Unlock()

	// Outside the lock: the check takes mu.
	task.Stop()

	select {
	case <-d.timeouts:
	default:
	}
}

// UpdateActivity records activity now. It is a no-op when not tracking.
func (d *Detector) UpdateActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tracking {
		return
	}
	d.lastActivity = d.opts.Now()
}

// LastActivity returns the last recorded activity instant.
func (d *Detector) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// Status returns a derived snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{IsTracking: d.tracking, IdleThresholdMs: d.opts.Threshold.Milliseconds()}
	if !d.tracking {
		return st
	}
	idle := d.opts.Now().Sub(d.lastActivity)
	if idle < 0 {
		idle = 0
	}
	st.IdleTimeMs = idle.Milliseconds()
	st.IsIdle = d.opts.Threshold > 0 && idle > d.opts.Threshold
	return st
}

// check emits a timeout once when the gap exceeds the threshold.
func (d *Detector) check() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tracking || d.fired || d.opts.Threshold <= 0 {
		return
	}
	if d.opts.Now().Sub(d.lastActivity) <= d.opts.Threshold {
		return
	}
	d.fired = true
	ev := Timeout{SessionID: d.sessionID, LastActivity: d.lastActivity}
	select {
	case d.timeouts <- ev:
		slog.Info("session idle", "session", d.sessionID, "last_activity", d.lastActivity)
	default:
		slog.Warn("idle timeout dropped, previous event unconsumed", "session", d.sessionID)
	}
}
