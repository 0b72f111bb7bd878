package progress

import "log"

// Reporter publishes progress for a single step of a single run. Step
// handlers receive one and never talk to the hub directly.
type Reporter struct {
	hub     *Hub
	runID   string
	step    string
	attempt int
}

// WithAttempt returns a copy of the reporter stamped with the given
// attempt number. The engine rebinds this between retry attempts.
func (r *Reporter) WithAttempt(n int) *Reporter {
	cp := *r
	cp.attempt = n
	return &cp
}

// Progress reports step-level percentage progress. Percent is clamped
// to [0,100]; pass -1 to leave the previous percentage untouched and
// only emit the message.
func (r *Reporter) Progress(percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	r.hub.Publish(Event{
		RunID:   r.runID,
		Step:    r.step,
		Status:  StatusRunning,
		Percent: percent,
		Attempt: r.attempt,
		Message: message,
	})
}

// Info emits a message without touching the percentage.
func (r *Reporter) Info(message string) {
	r.Progress(-1, message)
}

// Warn emits an operator-visible warning. The step keeps running; UIs
// collect these separately from plain progress chatter.
func (r *Reporter) Warn(message string) {
	r.hub.Publish(Event{
		RunID:   r.runID,
		Step:    r.step,
		Status:  StatusRunning,
		Percent: -1,
		Attempt: r.attempt,
		Warn:    true,
		Message: message,
	})
}

// SubStep reports progress of a named sub-step, such as a single
// gateway resource or one device in a fleet.
func (r *Reporter) SubStep(sub string, status Status, percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	r.hub.Publish(Event{
		RunID:   r.runID,
		Step:    r.step,
		Sub:     sub,
		Status:  status,
		Percent: percent,
		Attempt: r.attempt,
		Message: message,
	})
}

// Tail prints every event from the subscription through the standard
// logger. It is the plain-terminal rendering used when no interactive
// UI is attached; it returns after the run's terminal event, or when
// the channel closes.
func Tail(sub *Subscription) {
	for ev := range sub.C {
		switch {
		case ev.Step == "":
			log.Printf("run %s: %s %s", ev.RunID, ev.Status, ev.Message)
		case ev.Sub != "":
			log.Printf("  [%s/%s] %s %s", ev.Step, ev.Sub, ev.Status, ev.Message)
		case ev.Percent >= 0 && ev.Status == StatusRunning:
			log.Printf("  [%s] %3d%% %s", ev.Step, ev.Percent, ev.Message)
		default:
			log.Printf("  [%s] %s %s", ev.Step, ev.Status, ev.Message)
		}
		if ev.Step == "" && ev.Terminal() {
			return
		}
	}
}
