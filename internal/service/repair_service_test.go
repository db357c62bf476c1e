package service

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pothole-service/internal/model"
	"pothole-service/internal/repository"
)

var requestIDPattern = regexp.MustCompile(`^REQ-\d{8}-\d{6}-[0-9A-F]{4}$`)

func newTestRepairService(t *testing.T, opts RepairServiceOptions, points ...model.GeoPoint) (*RepairService, *repository.RepairRequestRepository, *clock, *recordingRepairNotifier) {
	t.Helper()
	repo := repository.NewRepairRequestRepository(filepath.Join(t.TempDir(), "repair_requests.json"))
	svc := NewRepairService(repo, &fakeLocations{points: points}, opts, zerolog.Nop())
	clk := newClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	svc.now = clk.Now
	notifier := &recordingRepairNotifier{}
	svc.SetNotifier(notifier)
	return svc, repo, clk, notifier
}

func submitInput(potholeID string, priority model.Priority) SubmitRepairInput {
	return SubmitRepairInput{
		PotholeID:      potholeID,
		Location:       model.Coordinates{Latitude: 40.7128, Longitude: -74.006},
		Severity:       8,
		DetectionCount: 4,
		Priority:       priority,
		RepairType:     model.RepairTypePatching,
		Notes:          "near the crossing",
	}
}

func date(t *testing.T, raw string) *model.Date {
	t.Helper()
	d, err := model.ParseDate(raw)
	require.NoError(t, err)
	return &d
}

func TestRepairLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk, notifier := newTestRepairService(t, RepairServiceOptions{})

	req, created, err := svc.Submit(ctx, submitInput("a1b2c3d4", model.PriorityHigh))
	require.NoError(t, err)
	require.True(t, created)
	assert.Regexp(t, requestIDPattern, req.RequestID)
	assert.Equal(t, model.RepairStatusNew, req.Status)
	assert.Empty(t, req.History)
	assert.Equal(t, "2024-03-08", req.ExpectedCompletion.String())
	require.Len(t, notifier.requests, 1)
	assert.Equal(t, req.RequestID, notifier.requests[0].RequestID)

	clk.Advance(time.Hour)
	req, err = svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusProcessing, Note: "crew assigned"})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-06", req.ExpectedCompletion.String())

	t.Run("illegal move leaves the ledger unchanged", func(t *testing.T) {
		before, err := repo.Load(ctx)
		require.NoError(t, err)

		_, err = svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusCompleted})
		var invalid *model.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, model.RepairStatusProcessing, invalid.From)

		after, err := repo.Load(ctx)
		require.NoError(t, err)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Fatalf("ledger changed (-before +after):\n%s", diff)
		}
	})

	t.Run("scheduling needs a date", func(t *testing.T) {
		_, err := svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusScheduled})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	clk.Advance(time.Hour)
	req, err = svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusScheduled, ScheduledDate: date(t, "2024-03-05")})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-06", req.ExpectedCompletion.String())

	clk.Advance(time.Hour)
	req, err = svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusCompleted, Note: "filled"})
	require.NoError(t, err)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, clk.Now(), *req.CompletedAt)

	require.Len(t, req.History, 3)
	for i := 1; i < len(req.History); i++ {
		assert.False(t, req.History[i].Timestamp.Before(req.History[i-1].Timestamp))
	}

	_, err = svc.Update(ctx, req.RequestID, UpdateRepairInput{Priority: model.PriorityLow, RepairType: model.RepairTypePatching})
	assert.ErrorIs(t, err, ErrConflict)

	// a finished ticket does not block a new one
	next, created, err := svc.Submit(ctx, submitInput("a1b2c3d4", model.PriorityLow))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, req.RequestID, next.RequestID)
	assert.Len(t, notifier.requests, 2)
}

func TestRepairSubmitDuplicateUpdatesOpenTicket(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk, notifier := newTestRepairService(t, RepairServiceOptions{})

	first, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	in := submitInput("p1", model.PriorityMedium)
	in.Notes = "second report"
	second, created, err := svc.Submit(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, model.PriorityMedium, second.Priority)
	assert.Equal(t, "second report", second.Notes)
	assert.Equal(t, "2024-03-15", second.ExpectedCompletion.String())
	require.Len(t, second.History, 1)
	assert.Equal(t, model.RepairStatusNew, second.History[0].To)

	ledger, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
	assert.Len(t, notifier.requests, 1)
}

func TestRepairSubmitRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestRepairService(t, RepairServiceOptions{RejectDuplicates: true})

	first, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)

	_, _, err = svc.Submit(ctx, submitInput("p1", model.PriorityLow))
	var dup *DuplicateActiveRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.RequestID, dup.ExistingID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRepairSubmitValidation(t *testing.T) {
	svc, _, _, _ := newTestRepairService(t, RepairServiceOptions{})

	tests := map[string]func(*SubmitRepairInput){
		"missing pothole": func(in *SubmitRepairInput) { in.PotholeID = " " },
		"bad latitude":    func(in *SubmitRepairInput) { in.Location.Latitude = 91 },
		"bad severity":    func(in *SubmitRepairInput) { in.Severity = 11 },
		"bad priority":    func(in *SubmitRepairInput) { in.Priority = "Urgent" },
		"bad repair type": func(in *SubmitRepairInput) { in.RepairType = "Paint" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := submitInput("p1", model.PriorityHigh)
			mutate(&in)
			_, _, err := svc.Submit(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRepairUnknownStatus(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk, _ := newTestRepairService(t, RepairServiceOptions{})

	broken := model.RepairRequest{
		RequestID:   "REQ-20240101-000000-ABCD",
		PotholeID:   "p9",
		Priority:    model.PriorityMedium,
		RepairType:  model.RepairTypePatching,
		Status:      "Archived",
		SubmittedAt: clk.Now().Add(-48 * time.Hour),
		LastUpdated: clk.Now().Add(-48 * time.Hour),
		History:     []model.HistoryEntry{},
	}
	require.NoError(t, repo.Save(ctx, []model.RepairRequest{broken}))

	_, err := svc.Transition(ctx, broken.RequestID, TransitionInput{Status: model.RepairStatusProcessing})
	assert.ErrorIs(t, err, ErrDataIntegrity)

	_, err = svc.Update(ctx, broken.RequestID, UpdateRepairInput{Priority: model.PriorityHigh, RepairType: model.RepairTypePatching})
	assert.ErrorIs(t, err, ErrDataIntegrity)

	_, _, err = svc.Submit(ctx, submitInput("p9", model.PriorityHigh))
	assert.ErrorIs(t, err, ErrDataIntegrity)

	operator := model.Principal{Role: model.UserRoleOperator, Name: "ops"}
	_, err = svc.Override(ctx, operator, broken.RequestID, TransitionInput{Status: model.RepairStatusProcessing})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	admin := model.Principal{Role: model.UserRoleAdmin, Name: "root"}
	fixed, err := svc.Override(ctx, admin, broken.RequestID, TransitionInput{Status: model.RepairStatusProcessing, Note: "restored"})
	require.NoError(t, err)
	assert.Equal(t, model.RepairStatusProcessing, fixed.Status)
	require.Len(t, fixed.History, 1)
	assert.True(t, fixed.History[0].Override)
	assert.Equal(t, "root", fixed.History[0].Actor)
	assert.Equal(t, model.RepairStatus("Archived"), fixed.History[0].From)

	// back on the normal workflow
	_, err = svc.Transition(ctx, broken.RequestID, TransitionInput{Status: model.RepairStatusRejected})
	assert.NoError(t, err)
}

func TestRepairOverrideKeepsOneActiveTicket(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestRepairService(t, RepairServiceOptions{})
	admin := model.Principal{Role: model.UserRoleAdmin, Name: "root"}

	old, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)
	_, err = svc.Transition(ctx, old.RequestID, TransitionInput{Status: model.RepairStatusRejected})
	require.NoError(t, err)

	current, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)

	_, err = svc.Override(ctx, admin, old.RequestID, TransitionInput{Status: model.RepairStatusNew})
	var dup *DuplicateActiveRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, current.RequestID, dup.ExistingID)

	_, err = svc.Override(ctx, admin, old.RequestID, TransitionInput{Status: model.RepairStatusCompleted})
	assert.NoError(t, err)
}

func TestRepairMissingTicket(t *testing.T) {
	svc, _, _, _ := newTestRepairService(t, RepairServiceOptions{})

	_, err := svc.Get(context.Background(), "REQ-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Transition(context.Background(), "REQ-missing", TransitionInput{Status: model.RepairStatusProcessing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepairLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestRepairService(t, RepairServiceOptions{})

	req, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityLow))
	require.NoError(t, err)
	req, err = svc.Transition(ctx, req.RequestID, TransitionInput{Status: model.RepairStatusProcessing, Note: "queued"})
	require.NoError(t, err)

	reopened := NewRepairService(repository.NewRepairRequestRepository(repo.Path()), &fakeLocations{}, RepairServiceOptions{}, zerolog.Nop())
	got, err := reopened.Get(ctx, req.RequestID)
	require.NoError(t, err)
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("reloaded ticket mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(repo.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"update_history"`)
	assert.Contains(t, string(raw), `"submission_date"`)
}

func TestRepairQuery(t *testing.T) {
	ctx := context.Background()
	svc, _, clk, _ := newTestRepairService(t, RepairServiceOptions{})

	var ids []string
	for i, p := range []model.Priority{model.PriorityMedium, model.PriorityLow, model.PriorityHigh} {
		clk.Advance(time.Minute)
		req, _, err := svc.Submit(ctx, submitInput(string(rune('a'+i)), p))
		require.NoError(t, err)
		ids = append(ids, req.RequestID)
	}
	_, err := svc.Transition(ctx, ids[0], TransitionInput{Status: model.RepairStatusProcessing})
	require.NoError(t, err)

	requestIDs := func(reqs []model.RepairRequest) []string {
		out := make([]string, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, r.RequestID)
		}
		return out
	}

	t.Run("default newest first", func(t *testing.T) {
		got, err := svc.Query(ctx, RepairQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, requestIDs(got))
	})

	t.Run("priority descending", func(t *testing.T) {
		got, err := svc.Query(ctx, RepairQuery{Sort: SortPriorityDesc})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[2], ids[0], ids[1]}, requestIDs(got))
	})

	t.Run("status filter", func(t *testing.T) {
		status := model.RepairStatusNew
		got, err := svc.Query(ctx, RepairQuery{Status: &status, Sort: SortSubmittedAsc})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[1], ids[2]}, requestIDs(got))
	})

	t.Run("priority filter", func(t *testing.T) {
		priority := model.PriorityLow
		got, err := svc.Query(ctx, RepairQuery{Priority: &priority})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[1]}, requestIDs(got))
	})

	t.Run("unknown sort key", func(t *testing.T) {
		_, err := svc.Query(ctx, RepairQuery{Sort: "cost"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRepairSummary(t *testing.T) {
	ctx := context.Background()
	svc, _, clk, _ := newTestRepairService(t, RepairServiceOptions{})

	empty, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	done, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, submitInput("p2", model.PriorityLow))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, done.RequestID, TransitionInput{Status: model.RepairStatusProcessing})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, done.RequestID, TransitionInput{Status: model.RepairStatusScheduled, ScheduledDate: date(t, "2024-03-05")})
	require.NoError(t, err)
	clk.Advance(9 * 24 * time.Hour)
	_, err = svc.Transition(ctx, done.RequestID, TransitionInput{Status: model.RepairStatusCompleted})
	require.NoError(t, err)
	clk.Advance(24 * time.Hour)

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByStatus[model.RepairStatusCompleted])
	assert.Equal(t, 1, sum.ByStatus[model.RepairStatusNew])
	assert.InDelta(t, 50.0, sum.CompletionRate, 1e-9)
	assert.InDelta(t, 50.0, sum.HighPriorityShare, 1e-9)
	assert.InDelta(t, 10.0, sum.AvgOpenAgeDays, 1e-9)
	assert.Equal(t, 1, sum.CompletedLate)
	assert.Zero(t, sum.CompletedEarly+sum.CompletedOnTime)
	assert.InDelta(t, 4.0, sum.AvgCompletionDelta, 1e-9)
}

func TestRepairAvailableLocations(t *testing.T) {
	ctx := context.Background()
	severe := model.GeoPoint{PotholeID: "p1", Location: model.Coordinates{Latitude: 40.7, Longitude: -74}, DetectionCount: 4, Confidence: 0.9}
	minor := model.GeoPoint{PotholeID: "p2", Location: model.Coordinates{Latitude: 40.8, Longitude: -74.1}, DetectionCount: 1, Confidence: 0.6}
	svc, _, _, _ := newTestRepairService(t, RepairServiceOptions{}, severe, minor)

	req, _, err := svc.Submit(ctx, submitInput("p1", model.PriorityHigh))
	require.NoError(t, err)

	got, err := svc.AvailableLocations(ctx)
	require.NoError(t, err)
	want := []AvailableLocation{
		{Point: severe, Severity: 8, SuggestedPriority: model.PriorityHigh, SuggestedRepairType: model.RepairTypePatching, ActiveRequestID: req.RequestID},
		{Point: minor, Severity: 2, SuggestedPriority: model.PriorityLow, SuggestedRepairType: model.RepairTypePotholeFilling},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("AvailableLocations mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRequestIDAvoidsCollisions(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seen := map[string]bool{}
	var ledger []model.RepairRequest
	for range 50 {
		id, err := newRequestID(now, ledger)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ledger = append(ledger, model.RepairRequest{RequestID: id})
	}
}
