package compliance

import (
	"fmt"
	"slices"
	"time"

	"carenotes/internal/audit/models"
	id "carenotes/pkg/domain"
)

// maxEvidence caps the event references kept per section.
const maxEvidence = 50

// RuleKind names how a section was evaluated.
type RuleKind string

const (
	KindCounter        RuleKind = "counter"
	KindPairing        RuleKind = "pairing"
	KindTimeWindow     RuleKind = "time_window"
	KindChainIntegrity RuleKind = "chain_integrity"
)

// Status summarises a section.
type Status string

const (
	StatusOK        Status = "ok"
	StatusAttention Status = "attention"
	StatusViolation Status = "violation"
)

// Section is one rule's findings. Evidence lists the events behind the
// findings (violations where there are any, otherwise matches).
type Section struct {
	Key        string       `json:"key"`
	Title      string       `json:"title"`
	Kind       RuleKind     `json:"kind"`
	Count      int          `json:"count"`
	Violations int          `json:"violations"`
	Open       int          `json:"open,omitempty"`
	Status     Status       `json:"status"`
	Evidence   []id.EventID `json:"evidence"`
	Truncated  bool         `json:"truncated,omitempty"`
	Notes      []string     `json:"notes,omitempty"`
}

// Matcher selects events. Empty fields match anything; Details entries must
// all be present with equal string values.
type Matcher struct {
	Resources []string
	Actions   []models.Action
	Details   map[string]string
}

func (m Matcher) Match(e *models.Event) bool {
	if len(m.Resources) > 0 && !slices.Contains(m.Resources, e.Resource) {
		return false
	}
	if len(m.Actions) > 0 && !slices.Contains(m.Actions, e.Action) {
		return false
	}
	for k, want := range m.Details {
		got, ok := e.Details[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// rule consumes events in ascending order and produces a section. A rule
// instance evaluates exactly one report.
type rule interface {
	observe(e *models.Event)
	section(asOf time.Time) Section
}

// RuleSpec is the declarative form of a rule; build creates a fresh
// evaluator for one report.
type RuleSpec struct {
	Key   string
	Title string
	Kind  RuleKind

	// Match selects counted events (counter, time_window) or triggers (pairing).
	Match Matcher
	// Ack and Window configure pairing rules: every trigger must be followed
	// by an Ack event on the same entity within Window.
	Ack    Matcher
	Window time.Duration
	// StartHour and EndHour bound working hours [StartHour, EndHour) in
	// Location for time_window rules.
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (s RuleSpec) build() rule {
	switch s.Kind {
	case KindPairing:
		return &pairingRule{spec: s, pending: make(map[string][]*models.Event)}
	case KindTimeWindow:
		return &timeWindowRule{spec: s}
	case KindChainIntegrity:
		return &chainRule{spec: s}
	default:
		return &counterRule{spec: s}
	}
}

type evidence struct {
	ids       []id.EventID
	truncated bool
}

func (ev *evidence) add(eventID id.EventID) {
	if len(ev.ids) >= maxEvidence {
		ev.truncated = true
		return
	}
	ev.ids = append(ev.ids, eventID)
}

func (ev *evidence) list() []id.EventID {
	if ev.ids == nil {
		return []id.EventID{}
	}
	return ev.ids
}

// counterRule counts matching events. It never reports violations.
type counterRule struct {
	spec  RuleSpec
	count int
	ev    evidence
}

func (r *counterRule) observe(e *models.Event) {
	if r.spec.Match.Match(e) {
		r.count++
		r.ev.add(e.ID)
	}
}

func (r *counterRule) section(time.Time) Section {
	return Section{
		Key:       r.spec.Key,
		Title:     r.spec.Title,
		Kind:      KindCounter,
		Count:     r.count,
		Status:    StatusOK,
		Evidence:  r.ev.list(),
		Truncated: r.ev.truncated,
	}
}

// pairingRule flags triggers that were not acknowledged in time. Triggers
// whose window has not elapsed by the report's end are reported as open.
type pairingRule struct {
	spec       RuleSpec
	pending    map[string][]*models.Event
	count      int
	violations int
	ev         evidence
}

func entityKey(e *models.Event) string {
	return e.EntityType + "/" + e.EntityID
}

func (r *pairingRule) observe(e *models.Event) {
	if r.spec.Ack.Match(e) {
		key := entityKey(e)
		for _, trigger := range r.pending[key] {
			if e.Timestamp.Sub(trigger.Timestamp) > r.spec.Window {
				r.violations++
				r.ev.add(trigger.ID)
			}
		}
		delete(r.pending, key)
		return
	}
	if r.spec.Match.Match(e) {
		r.count++
		t := *e
		r.pending[entityKey(e)] = append(r.pending[entityKey(e)], &t)
	}
}

func (r *pairingRule) section(asOf time.Time) Section {
	open := 0
	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, trigger := range r.pending[k] {
			if asOf.Sub(trigger.Timestamp) > r.spec.Window {
				r.violations++
				r.ev.add(trigger.ID)
			} else {
				open++
			}
		}
	}
	status := StatusOK
	switch {
	case r.violations > 0:
		status = StatusViolation
	case open > 0:
		status = StatusAttention
	}
	return Section{
		Key:        r.spec.Key,
		Title:      r.spec.Title,
		Kind:       KindPairing,
		Count:      r.count,
		Violations: r.violations,
		Open:       open,
		Status:     status,
		Evidence:   r.ev.list(),
		Truncated:  r.ev.truncated,
	}
}

// timeWindowRule flags matching events outside working hours.
type timeWindowRule struct {
	spec    RuleSpec
	count   int
	flagged int
	ev      evidence
}

func (r *timeWindowRule) observe(e *models.Event) {
	if !r.spec.Match.Match(e) {
		return
	}
	r.count++
	loc := r.spec.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := e.Timestamp.In(loc).Hour()
	if hour < r.spec.StartHour || hour >= r.spec.EndHour {
		r.flagged++
		r.ev.add(e.ID)
	}
}

func (r *timeWindowRule) section(time.Time) Section {
	status := StatusOK
	if r.flagged > 0 {
		status = StatusAttention
	}
	return Section{
		Key:        r.spec.Key,
		Title:      r.spec.Title,
		Kind:       KindTimeWindow,
		Count:      r.count,
		Violations: r.flagged,
		Status:     status,
		Evidence:   r.ev.list(),
		Truncated:  r.ev.truncated,
		Notes:      []string{fmt.Sprintf("working hours %02d:00-%02d:00 %s", r.spec.StartHour, r.spec.EndHour, r.location())},
	}
}

func (r *timeWindowRule) location() string {
	if r.spec.Location == nil {
		return "UTC"
	}
	return r.spec.Location.String()
}

// chainRule verifies each event's hash and its link to the previous event.
type chainRule struct {
	spec       RuleSpec
	prev       *models.Event
	count      int
	violations int
	ev         evidence
}

func (r *chainRule) observe(e *models.Event) {
	r.count++
	window := []models.Event{*e}
	if r.prev != nil {
		window = []models.Event{*r.prev, *e}
	}
	for _, b := range models.VerifyChain(window) {
		if b.EventID == e.ID.String() {
			r.violations++
			r.ev.add(e.ID)
			break
		}
	}
	t := *e
	r.prev = &t
}

func (r *chainRule) section(time.Time) Section {
	status := StatusOK
	if r.violations > 0 {
		status = StatusViolation
	}
	return Section{
		Key:        r.spec.Key,
		Title:      r.spec.Title,
		Kind:       KindChainIntegrity,
		Count:      r.count,
		Violations: r.violations,
		Status:     status,
		Evidence:   r.ev.list(),
		Truncated:  r.ev.truncated,
	}
}
