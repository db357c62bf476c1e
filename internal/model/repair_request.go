package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type RepairStatus string

const (
	RepairStatusNew        RepairStatus = "New"
	RepairStatusProcessing RepairStatus = "Processing"
	RepairStatusScheduled  RepairStatus = "Scheduled"
	RepairStatusCompleted  RepairStatus = "Completed"
	RepairStatusRejected   RepairStatus = "Rejected"
)

var RepairStatuses = []RepairStatus{
	RepairStatusNew,
	RepairStatusProcessing,
	RepairStatusScheduled,
	RepairStatusCompleted,
	RepairStatusRejected,
}

var repairTransitions = map[RepairStatus][]RepairStatus{
	RepairStatusNew:        {RepairStatusProcessing, RepairStatusRejected},
	RepairStatusProcessing: {RepairStatusScheduled, RepairStatusRejected},
	RepairStatusScheduled:  {RepairStatusCompleted, RepairStatusRejected},
	RepairStatusCompleted:  nil,
	RepairStatusRejected:   nil,
}

func (s RepairStatus) Valid() bool {
	_, ok := repairTransitions[s]
	return ok
}

func (s RepairStatus) Terminal() bool {
	return s == RepairStatusCompleted || s == RepairStatusRejected
}

// Rank orders statuses along the workflow, New first.
func (s RepairStatus) Rank() int {
	return slices.Index(RepairStatuses, s) + 1
}

// NextStatuses lists the statuses reachable through a normal transition.
func (s RepairStatus) NextStatuses() []RepairStatus {
	return slices.Clone(repairTransitions[s])
}

func ParseRepairStatus(raw string) (RepairStatus, error) {
	for _, s := range RepairStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown repair status %q", raw)
}

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// submissionWindow is the number of days promised on intake.
func (p Priority) submissionWindow() int {
	switch p {
	case PriorityHigh:
		return 7
	case PriorityMedium:
		return 14
	}
	return 30
}

// processingWindow is the number of days promised once work is accepted.
func (p Priority) processingWindow() int {
	switch p {
	case PriorityHigh:
		return 5
	case PriorityMedium:
		return 10
	}
	return 20
}

func ParsePriority(raw string) (Priority, error) {
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// DefaultPriority suggests a priority for a location of the given severity.
func DefaultPriority(severity int) Priority {
	switch {
	case severity >= 7:
		return PriorityHigh
	case severity >= 4:
		return PriorityMedium
	}
	return PriorityLow
}

type RepairType string

const (
	RepairTypePatching        RepairType = "Patching"
	RepairTypeFullResurfacing RepairType = "Full Resurfacing"
	RepairTypeCrackSealing    RepairType = "Crack Sealing"
	RepairTypePotholeFilling  RepairType = "Pothole Filling"
)

func (t RepairType) Valid() bool {
	switch t {
	case RepairTypePatching, RepairTypeFullResurfacing, RepairTypeCrackSealing, RepairTypePotholeFilling:
		return true
	}
	return false
}

func ParseRepairType(raw string) (RepairType, error) {
	t := RepairType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown repair type %q", raw)
	}
	return t, nil
}

func DefaultRepairType(severity int) RepairType {
	if severity >= 7 {
		return RepairTypePatching
	}
	return RepairTypePotholeFilling
}

var (
	ErrUnknownStatus         = errors.New("unknown repair status")
	ErrScheduledDateRequired = errors.New("scheduled date is required")
)

type InvalidTransitionError struct {
	RequestID string
	From      RepairStatus
	To        RepairStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot move from %s to %s", e.RequestID, e.From, e.To)
}

type HistoryEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	From      RepairStatus `json:"from_status"`
	To        RepairStatus `json:"to_status"`
	Note      string       `json:"notes"`
	Actor     string       `json:"actor,omitempty"`
	Override  bool         `json:"override,omitempty"`
}

type RepairRequest struct {
	RequestID          string         `json:"request_id"`
	PotholeID          string         `json:"pothole_id"`
	Location           Coordinates    `json:"location"`
	Severity           int            `json:"severity"`
	DetectionCount     int            `json:"detection_count"`
	Priority           Priority       `json:"priority"`
	RepairType         RepairType     `json:"repair_type"`
	Notes              string         `json:"notes"`
	Status             RepairStatus   `json:"status"`
	SubmittedAt        time.Time      `json:"submission_date"`
	LastUpdated        time.Time      `json:"last_updated"`
	ExpectedCompletion *Date          `json:"expected_completion,omitempty"`
	ScheduledDate      *Date          `json:"scheduled_date,omitempty"`
	CompletedAt        *time.Time     `json:"completion_date,omitempty"`
	History            []HistoryEntry `json:"update_history"`
}

// ExpectedCompletion is a pure function of the ticket's status, priority,
// submission time and scheduled date. Rejected tickets have none.
func ExpectedCompletion(status RepairStatus, priority Priority, submittedAt time.Time, scheduled *Date) *Date {
	submitted := DateOf(submittedAt)
	var d Date
	switch status {
	case RepairStatusNew:
		d = submitted.AddDays(priority.submissionWindow())
	case RepairStatusProcessing:
		d = submitted.AddDays(priority.processingWindow())
	case RepairStatusScheduled, RepairStatusCompleted:
		if scheduled != nil {
			d = scheduled.AddDays(1)
		} else {
			d = submitted.AddDays(priority.processingWindow())
		}
	default:
		return nil
	}
	return &d
}

// Transition applies a normal workflow move. The request is left untouched
// when the move is rejected.
func (r *RepairRequest) Transition(to RepairStatus, note string, scheduled *Date, now time.Time) error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: request %s has status %q", ErrUnknownStatus, r.RequestID, r.Status)
	}
	if !slices.Contains(repairTransitions[r.Status], to) {
		return &InvalidTransitionError{RequestID: r.RequestID, From: r.Status, To: to}
	}
	if to == RepairStatusScheduled && scheduled == nil {
		return ErrScheduledDateRequired
	}
	if to != RepairStatusScheduled {
		scheduled = nil
	}

	r.apply(to, note, scheduled, "", false, now)
	return nil
}

// ForceStatus is the administrative override: any stored status, recognized
// or not, may be moved to any valid status.
func (r *RepairRequest) ForceStatus(to RepairStatus, note string, scheduled *Date, actor string, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if to == RepairStatusScheduled && scheduled == nil && r.ScheduledDate == nil {
		return ErrScheduledDateRequired
	}

	r.apply(to, note, scheduled, actor, true, now)
	return nil
}

func (r *RepairRequest) apply(to RepairStatus, note string, scheduled *Date, actor string, override bool, now time.Time) {
	now = r.clamp(now)
	from := r.Status

	r.Status = to
	r.LastUpdated = now
	if scheduled != nil {
		d := *scheduled
		r.ScheduledDate = &d
	}
	switch to {
	case RepairStatusCompleted:
		completed := now
		r.CompletedAt = &completed
	default:
		r.CompletedAt = nil
	}
	r.ExpectedCompletion = ExpectedCompletion(r.Status, r.Priority, r.SubmittedAt, r.ScheduledDate)
	r.History = append(r.History, HistoryEntry{
		Timestamp: now,
		From:      from,
		To:        to,
		Note:      note,
		Actor:     actor,
		Override:  override,
	})
}

// Amend changes the editable fields of an open ticket and records an audit
// entry that keeps the status.
func (r *RepairRequest) Amend(priority Priority, repairType RepairType, notes string, now time.Time) {
	now = r.clamp(now)
	note := fmt.Sprintf("updated: priority %s, repair type %s", priority, repairType)
	if notes != "" {
		note += "; " + notes
	}

	r.Priority = priority
	r.RepairType = repairType
	r.Notes = notes
	r.LastUpdated = now
	r.ExpectedCompletion = ExpectedCompletion(r.Status, r.Priority, r.SubmittedAt, r.ScheduledDate)
	r.History = append(r.History, HistoryEntry{
		Timestamp: now,
		From:      r.Status,
		To:        r.Status,
		Note:      note,
	})
}

// clamp keeps last-updated from preceding submission.
func (r *RepairRequest) clamp(now time.Time) time.Time {
	if now.Before(r.SubmittedAt) {
		return r.SubmittedAt
	}
	return now
}

func (r RepairRequest) Clone() RepairRequest {
	out := r
	out.History = slices.Clone(r.History)
	if r.ExpectedCompletion != nil {
		d := *r.ExpectedCompletion
		out.ExpectedCompletion = &d
	}
	if r.ScheduledDate != nil {
		d := *r.ScheduledDate
		out.ScheduledDate = &d
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
