package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTicket(priority Priority, submitted time.Time) RepairRequest {
	return RepairRequest{
		RequestID:          "REQ-20240301-090000-ABCD",
		PotholeID:          "P1",
		Location:           Coordinates{Latitude: 40.7, Longitude: -74.0},
		Priority:           priority,
		RepairType:         RepairTypePatching,
		Status:             RepairStatusNew,
		SubmittedAt:        submitted,
		LastUpdated:        submitted,
		ExpectedCompletion: ExpectedCompletion(RepairStatusNew, priority, submitted, nil),
		History:            []HistoryEntry{},
	}
}

func TestRepairRequestLifecycle(t *testing.T) {
	submitted := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityHigh, submitted)

	require.NotNil(t, req.ExpectedCompletion)
	assert.Equal(t, Date{2024, time.March, 8}, *req.ExpectedCompletion)

	require.NoError(t, req.Transition(RepairStatusProcessing, "crew assigned", nil, submitted.Add(time.Hour)))
	assert.Equal(t, Date{2024, time.March, 6}, *req.ExpectedCompletion)

	scheduled := Date{2024, time.March, 4}
	require.NoError(t, req.Transition(RepairStatusScheduled, "", &scheduled, submitted.Add(2*time.Hour)))
	assert.Equal(t, Date{2024, time.March, 5}, *req.ExpectedCompletion)
	require.NotNil(t, req.ScheduledDate)
	assert.Equal(t, scheduled, *req.ScheduledDate)

	done := submitted.Add(72 * time.Hour)
	require.NoError(t, req.Transition(RepairStatusCompleted, "filled", nil, done))
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, done, *req.CompletedAt)
	assert.True(t, req.Status.Terminal())
	assert.Len(t, req.History, 3)

	before := req.Clone()
	err := req.Transition(RepairStatusProcessing, "reopen", nil, done.Add(time.Hour))
	var transitionErr *InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, RepairStatusCompleted, transitionErr.From)
	assert.Equal(t, RepairStatusProcessing, transitionErr.To)
	if diff := cmp.Diff(before, req); diff != "" {
		t.Fatalf("rejected transition changed the ticket (-want +got):\n%s", diff)
	}
}

func TestRepairRequestTransitionTable(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	scheduled := Date{2024, time.March, 10}

	for _, from := range RepairStatuses {
		for _, to := range RepairStatuses {
			req := newTicket(PriorityMedium, now)
			req.Status = from

			err := req.Transition(to, "", &scheduled, now)
			legal := false
			for _, next := range from.NextStatuses() {
				legal = legal || next == to
			}
			if legal {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, req.Status)
				continue
			}
			var transitionErr *InvalidTransitionError
			assert.ErrorAs(t, err, &transitionErr, "%s -> %s", from, to)
			assert.Equal(t, from, req.Status)
			assert.Empty(t, req.History)
		}
	}
}

func TestRepairRequestScheduledNeedsDate(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityLow, now)
	req.Status = RepairStatusProcessing

	err := req.Transition(RepairStatusScheduled, "", nil, now)
	assert.ErrorIs(t, err, ErrScheduledDateRequired)
	assert.Equal(t, RepairStatusProcessing, req.Status)
	assert.Empty(t, req.History)
}

func TestRepairRequestUnknownStatus(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityLow, now)
	req.Status = "Pending Review"

	err := req.Transition(RepairStatusProcessing, "", nil, now)
	assert.ErrorIs(t, err, ErrUnknownStatus)

	require.NoError(t, req.ForceStatus(RepairStatusProcessing, "repaired record", nil, "admin", now))
	assert.Equal(t, RepairStatusProcessing, req.Status)
	require.Len(t, req.History, 1)
	assert.True(t, req.History[0].Override)
	assert.Equal(t, "admin", req.History[0].Actor)
	assert.Equal(t, RepairStatus("Pending Review"), req.History[0].From)
}

func TestRepairRequestForceStatusReopens(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityHigh, now)
	req.Status = RepairStatusCompleted
	completed := now
	req.CompletedAt = &completed

	require.NoError(t, req.ForceStatus(RepairStatusNew, "", nil, "root", now.Add(time.Hour)))
	assert.Nil(t, req.CompletedAt)
	assert.Equal(t, Date{2024, time.March, 8}, *req.ExpectedCompletion)

	assert.True(t, errors.Is(req.ForceStatus("Bogus", "", nil, "root", now), ErrUnknownStatus))
}

func TestRepairRequestLastUpdatedNeverPrecedesSubmission(t *testing.T) {
	submitted := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityHigh, submitted)

	require.NoError(t, req.Transition(RepairStatusProcessing, "", nil, submitted.Add(-time.Hour)))
	assert.Equal(t, submitted, req.LastUpdated)
	assert.Equal(t, submitted, req.History[0].Timestamp)
}

func TestRepairRequestAmend(t *testing.T) {
	submitted := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	req := newTicket(PriorityLow, submitted)

	req.Amend(PriorityHigh, RepairTypeCrackSealing, "urgent", submitted.Add(time.Hour))
	assert.Equal(t, PriorityHigh, req.Priority)
	assert.Equal(t, RepairTypeCrackSealing, req.RepairType)
	assert.Equal(t, Date{2024, time.March, 8}, *req.ExpectedCompletion)
	require.Len(t, req.History, 1)
	assert.Equal(t, req.History[0].From, req.History[0].To)
}

func TestExpectedCompletion(t *testing.T) {
	submitted := time.Date(2024, 1, 30, 23, 0, 0, 0, time.UTC)
	scheduled := Date{2024, time.February, 28}

	tests := []struct {
		name      string
		status    RepairStatus
		priority  Priority
		scheduled *Date
		want      *Date
	}{
		{"new high", RepairStatusNew, PriorityHigh, nil, &Date{2024, time.February, 6}},
		{"new medium", RepairStatusNew, PriorityMedium, nil, &Date{2024, time.February, 13}},
		{"new low", RepairStatusNew, PriorityLow, nil, &Date{2024, time.February, 29}},
		{"processing high", RepairStatusProcessing, PriorityHigh, nil, &Date{2024, time.February, 4}},
		{"processing low", RepairStatusProcessing, PriorityLow, nil, &Date{2024, time.February, 19}},
		{"scheduled", RepairStatusScheduled, PriorityLow, &scheduled, &Date{2024, time.February, 29}},
		{"completed without schedule", RepairStatusCompleted, PriorityMedium, nil, &Date{2024, time.February, 9}},
		{"rejected", RepairStatusRejected, PriorityHigh, &scheduled, nil},
		{"unknown", "Paused", PriorityHigh, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpectedCompletion(tt.status, tt.priority, submitted, tt.scheduled)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, ExpectedCompletion(tt.status, tt.priority, submitted, tt.scheduled))
		})
	}
}

func TestPriorityDefaults(t *testing.T) {
	assert.Equal(t, PriorityHigh, DefaultPriority(8))
	assert.Equal(t, PriorityMedium, DefaultPriority(4))
	assert.Equal(t, PriorityLow, DefaultPriority(2))
	assert.Equal(t, RepairTypePatching, DefaultRepairType(7))
	assert.Equal(t, RepairTypePotholeFilling, DefaultRepairType(6))

	_, err := ParsePriority("Urgent")
	assert.Error(t, err)
	rt, err := ParseRepairType("Full Resurfacing")
	require.NoError(t, err)
	assert.Equal(t, RepairTypeFullResurfacing, rt)
}
