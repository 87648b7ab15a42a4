package session

import (
	"sync"
	"time"
)

// Named deadlines multiplexed onto the single alarm.
const (
	deadlineInactivity = "inactivity"
	deadlineHeartbeat  = "heartbeat"
)

// Alarm multiplexes any number of named deadlines onto a single time.Timer.
// At most one timer is outstanding at any moment; every Set/Clear re-arms it
// for the soonest remaining deadline. The fire callback runs on the timer
// goroutine and receives the names that are due.
type Alarm struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	timer     *time.Timer
	fire      func(due []string)
	stopped   bool
}

// NewAlarm creates an alarm that invokes fire with the due deadline names.
func NewAlarm(fire func(due []string)) *Alarm {
	return &Alarm{
		deadlines: make(map[string]time.Time),
		fire:      fire,
	}
}

// Set schedules (or reschedules) a named deadline.
func (a *Alarm) Set(name string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.deadlines[name] = at
	a.rearmLocked()
}

// Clear removes a named deadline.
func (a *Alarm) Clear(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.deadlines, name)
	a.rearmLocked()
}

// Next returns the soonest scheduled deadline, or the zero time if none.
func (a *Alarm) Next() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, at := a.soonestLocked()
	return at
}

// Stop cancels the outstanding timer and drops all deadlines. The alarm is
// unusable afterwards; used on actor eviction.
func (a *Alarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.deadlines = make(map[string]time.Time)
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Alarm) soonestLocked() (string, time.Time) {
	var name string
	var at time.Time
	for n, t := range a.deadlines {
		if at.IsZero() || t.Before(at) {
			name, at = n, t
		}
	}
	return name, at
}

func (a *Alarm) rearmLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	_, at := a.soonestLocked()
	if at.IsZero() {
		return
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, a.onFire)
}

func (a *Alarm) onFire() {
	now := time.Now()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	var due []string
	for n, t := range a.deadlines {
		if !t.After(now) {
			due = append(due, n)
			delete(a.deadlines, n)
		}
	}
	a.rearmLocked()
	a.mu.Unlock()

	if len(due) > 0 {
		a.fire(due)
	}
}
