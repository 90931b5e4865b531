// Package state infers whether a terminal session is idle, working, in an
// error condition, or stalled by pattern-matching its recent output.
package state

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Session is one of the states in the inference lattice.
type Session string

const (
	Unknown Session = "unknown"
	Idle    Session = "idle"
	Working Session = "working"
	Error   Session = "error"
	Stalled Session = "stalled"
)

const (
	// stateChangeDelay is the hysteresis window: a freshly detected state
	// must hold continuously for this long before it is committed.
	stateChangeDelay = 500 * time.Millisecond
	// stallThreshold is how long a session may stay WORKING before the
	// engine reports STALLED instead.
	stallThreshold = 600 * time.Second

	bufferLines = 50
	windowLines = 10
)

// StallThreshold is exported so other packages that perform their own
// snapshot-based stall tracking (the background idle monitor) use the same
// constant instead of a second hardcoded value.
const StallThreshold = stallThreshold

var spinnerChars = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

var (
	workingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Thinking|Channelling`),
		regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`),
		regexp.MustCompile(`Running…|Executing`),
		regexp.MustCompile(`thought for \d+s`),
		regexp.MustCompile(`(?i)esc to interrupt`),
	}
	idlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`❯`),
		regexp.MustCompile(`Do you want to proceed\?`),
		regexp.MustCompile(`Esc to cancel`),
		regexp.MustCompile(`\? for shortcuts`),
		regexp.MustCompile(`(?s)Yes.*No`),
	}
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate limit|rate_limit`),
		regexp.MustCompile(`(?i)429|too many requests`),
		regexp.MustCompile(`(?i)overloaded`),
		regexp.MustCompile(`(?i)APIError|API error|APIConnectionError`),
		regexp.MustCompile(`(?i)unexpected error|Connection error`),
	}
	shellPromptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[$%#]\s*$`),
		regexp.MustCompile(`@.*[$%#]\s*$`),
		regexp.MustCompile(`^\s*\w+@[\w.-]+[:\s]`),
	}
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[PX^_][^\x1b]*\x1b\\`)
)

// Result is the outcome of one analysis pass.
type Result struct {
	State      Session
	Confidence float64
	Reason     string
}

// Detector holds a rolling buffer of recent output lines plus the hysteresis
// and stall-overlay state needed to decide when a transition commits.
type Detector struct {
	mu sync.Mutex

	buf []string // bounded FIFO, oldest first, at most bufferLines entries

	current        Session
	pending        Session
	pendingSince   time.Time
	hasPending     bool
	workingSince   time.Time
	hasWorkingSince bool
}

// New returns a Detector with Unknown as its initial committed state.
func New() *Detector {
	return &Detector{current: Unknown}
}

// Process feeds a chunk of raw (possibly ANSI-laden) terminal output through
// the streaming path: detection is subject to the 500ms hysteresis window.
func (d *Detector) Process(data string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.appendLines(data)
	detected, confidence, reason := d.analyze()

	now := time.Now()
	if detected == d.current {
		d.hasPending = false
	} else if !d.hasPending || d.pending != detected {
		d.pending = detected
		d.pendingSince = now
		d.hasPending = true
	} else if now.Sub(d.pendingSince) >= stateChangeDelay {
		d.current = detected
		d.hasPending = false
	}

	d.updateStallOverlay()
	return Result{State: d.reportedState(), Confidence: confidence, Reason: reason}
}

// AnalyzeInitial seeds the detector from a full pane snapshot. Hysteresis is
// bypassed: the detected state commits immediately. Used at connection time
// and by the background idle monitor, both of which operate on snapshots
// rather than a live output stream.
func (d *Detector) AnalyzeInitial(content string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.appendLines(content)
	detected, confidence, reason := d.analyze()
	d.current = detected
	d.hasPending = false
	d.updateStallOverlay()
	return Result{State: d.reportedState(), Confidence: confidence, Reason: reason}
}

// State returns the currently reported state (committed state with the
// stall overlay applied, if any).
func (d *Detector) State() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reportedState()
}

func (d *Detector) appendLines(data string) {
	for _, line := range strings.Split(data, "\n") {
		clean := stripANSI(line)
		if clean == "" {
			continue
		}
		d.buf = append(d.buf, clean)
		if len(d.buf) > bufferLines {
			d.buf = d.buf[len(d.buf)-bufferLines:]
		}
	}
}

// updateStallOverlay tracks how long the committed state has continuously
// been Working, without ever touching d.current itself: d.current stays the
// hysteresis-committed value so a later Process/AnalyzeInitial call compares
// against the real prior state, not an overlay artifact.
func (d *Detector) updateStallOverlay() {
	if d.current == Working {
		if !d.hasWorkingSince {
			d.workingSince = time.Now()
			d.hasWorkingSince = true
		}
	} else {
		d.hasWorkingSince = false
	}
}

// reportedState is d.current with the stall overlay applied: Working held
// continuously for at least stallThreshold is reported as Stalled. The
// overlay is computed fresh on every call rather than written back into
// d.current, so it never corrupts the hysteresis comparison in Process.
func (d *Detector) reportedState() Session {
	if d.current == Working && d.hasWorkingSince && time.Since(d.workingSince) >= stallThreshold {
		return Stalled
	}
	return d.current
}

// analyze implements the priority order: error > shell-prompt-as-error
// (only absent any work/idle signal) > spinner/working > idle > unknown.
func (d *Detector) analyze() (Session, float64, string) {
	if len(d.buf) == 0 {
		return Unknown, 0, "no data"
	}

	start := 0
	if len(d.buf) > windowLines {
		start = len(d.buf) - windowLines
	}
	recent := d.buf[start:]
	last := recent[len(recent)-1]

	for _, line := range recent {
		for _, p := range errorPatterns {
			if p.MatchString(line) {
				return Error, 0.9, "error pattern: " + p.String()
			}
		}
	}

	hasWorkOrIdle := false
outer:
	for _, line := range recent {
		if strings.ContainsAny(line, spinnerChars) {
			hasWorkOrIdle = true
			break
		}
		for _, p := range workingPatterns {
			if p.MatchString(line) {
				hasWorkOrIdle = true
				break outer
			}
		}
		for _, p := range idlePatterns {
			if p.MatchString(line) {
				hasWorkOrIdle = true
				break outer
			}
		}
	}

	if !hasWorkOrIdle {
		for _, p := range shellPromptPatterns {
			if p.MatchString(last) {
				return Error, 0.85, "shell prompt: " + p.String()
			}
		}
	}

	if strings.ContainsAny(last, spinnerChars) {
		return Working, 0.95, "spinner detected"
	}

	for _, line := range recent {
		for _, p := range workingPatterns {
			if p.MatchString(line) {
				return Working, 0.85, "working pattern: " + p.String()
			}
		}
	}

	for _, line := range recent {
		for _, p := range idlePatterns {
			if p.MatchString(line) {
				return Idle, 0.9, "idle pattern: " + p.String()
			}
		}
	}

	return Unknown, 0.3, "unable to determine"
}

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
