package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"pothole-service/internal/model"
	"pothole-service/internal/repository"
)

// LocationSource supplies the pothole locations tickets can be raised for.
type LocationSource interface {
	MapPoints(ctx context.Context, demo bool) []model.GeoPoint
}

// RepairNotifier is told about every newly created ticket.
type RepairNotifier interface {
	RepairSubmitted(ctx context.Context, req model.RepairRequest)
}

type RepairService struct {
	repo      *repository.RepairRequestRepository
	locations LocationSource
	notifier  RepairNotifier
	reject    bool
	demo      bool
	log       zerolog.Logger
	now       func() time.Time

	// mu serializes read-modify-write cycles on the ledger document.
	mu sync.Mutex
}

type RepairServiceOptions struct {
	// RejectDuplicates makes Submit fail for a pothole with an open ticket
	// instead of updating that ticket.
	RejectDuplicates bool
	DemoLocations    bool
}

func NewRepairService(repo *repository.RepairRequestRepository, locations LocationSource, opts RepairServiceOptions, log zerolog.Logger) *RepairService {
	return &RepairService{
		repo:      repo,
		locations: locations,
		reject:    opts.RejectDuplicates,
		demo:      opts.DemoLocations,
		log:       log.With().Str("component", "repair_service").Logger(),
		now:       time.Now,
	}
}

func (s *RepairService) SetNotifier(n RepairNotifier) {
	s.notifier = n
}

type SubmitRepairInput struct {
	PotholeID      string
	Location       model.Coordinates
	Severity       int
	DetectionCount int
	Priority       model.Priority
	RepairType     model.RepairType
	Notes          string
}

func (in SubmitRepairInput) validate() error {
	if strings.TrimSpace(in.PotholeID) == "" {
		return invalidInput("pothole id is required")
	}
	if err := in.Location.Validate(); err != nil {
		return invalidInput("%v", err)
	}
	if in.Severity < 0 || in.Severity > 10 {
		return invalidInput("severity must be between 0 and 10")
	}
	if in.DetectionCount < 0 {
		return invalidInput("detection count must not be negative")
	}
	if !in.Priority.Valid() {
		return invalidInput("unknown priority %q", in.Priority)
	}
	if !in.RepairType.Valid() {
		return invalidInput("unknown repair type %q", in.RepairType)
	}
	return nil
}

// Submit opens a ticket for a pothole. When the pothole already has an open
// ticket, that ticket is updated instead (or the call is refused when
// duplicates are rejected). The bool reports whether a ticket was created.
func (s *RepairService) Submit(ctx context.Context, input SubmitRepairInput) (*model.RepairRequest, bool, error) {
	if err := input.validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	now := s.now()

	if i := activeIndex(ledger, input.PotholeID, ""); i >= 0 {
		existing := ledger[i]
		if s.reject {
			return nil, false, &DuplicateActiveRequestError{PotholeID: input.PotholeID, ExistingID: existing.RequestID}
		}
		if !existing.Status.Valid() {
			return nil, false, fmt.Errorf("%w: request %s has status %q", ErrDataIntegrity, existing.RequestID, existing.Status)
		}
		existing.Amend(input.Priority, input.RepairType, input.Notes, now)
		ledger[i] = existing
		if err := s.repo.Save(ctx, ledger); err != nil {
			return nil, false, err
		}
		s.log.Info().Str("request_id", existing.RequestID).Str("pothole_id", input.PotholeID).
			Msg("open repair request updated by duplicate submission")
		out := existing.Clone()
		return &out, false, nil
	}

	id, err := newRequestID(now, ledger)
	if err != nil {
		return nil, false, err
	}
	req := model.RepairRequest{
		RequestID:      id,
		PotholeID:      input.PotholeID,
		Location:       input.Location,
		Severity:       input.Severity,
		DetectionCount: input.DetectionCount,
		Priority:       input.Priority,
		RepairType:     input.RepairType,
		Notes:          input.Notes,
		Status:         model.RepairStatusNew,
		SubmittedAt:    now,
		LastUpdated:    now,
		History:        []model.HistoryEntry{},
	}
	req.ExpectedCompletion = model.ExpectedCompletion(req.Status, req.Priority, req.SubmittedAt, nil)

	ledger = append(ledger, req)
	if err := s.repo.Save(ctx, ledger); err != nil {
		return nil, false, err
	}
	s.log.Info().Str("request_id", id).Str("pothole_id", input.PotholeID).Str("priority", string(req.Priority)).
		Msg("repair request submitted")

	if s.notifier != nil {
		s.notifier.RepairSubmitted(ctx, req.Clone())
	}
	out := req.Clone()
	return &out, true, nil
}

type UpdateRepairInput struct {
	Priority   model.Priority
	RepairType model.RepairType
	Notes      string
}

// Update edits priority, repair type and notes of an open ticket.
func (s *RepairService) Update(ctx context.Context, requestID string, input UpdateRepairInput) (*model.RepairRequest, error) {
	if !input.Priority.Valid() {
		return nil, invalidInput("unknown priority %q", input.Priority)
	}
	if !input.RepairType.Valid() {
		return nil, invalidInput("unknown repair type %q", input.RepairType)
	}

	return s.mutate(ctx, requestID, func(req *model.RepairRequest, _ []model.RepairRequest) error {
		if !req.Status.Valid() {
			return fmt.Errorf("%w: request %s has status %q", ErrDataIntegrity, req.RequestID, req.Status)
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: request %s is %s", ErrConflict, req.RequestID, req.Status)
		}
		req.Amend(input.Priority, input.RepairType, input.Notes, s.now())
		return nil
	})
}

type TransitionInput struct {
	Status        model.RepairStatus
	Note          string
	ScheduledDate *model.Date
}

func (s *RepairService) Transition(ctx context.Context, requestID string, input TransitionInput) (*model.RepairRequest, error) {
	if !input.Status.Valid() {
		return nil, invalidInput("unknown status %q", input.Status)
	}

	return s.mutate(ctx, requestID, func(req *model.RepairRequest, _ []model.RepairRequest) error {
		err := req.Transition(input.Status, input.Note, input.ScheduledDate, s.now())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, model.ErrUnknownStatus):
			return fmt.Errorf("%w: %v", ErrDataIntegrity, err)
		case errors.Is(err, model.ErrScheduledDateRequired):
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	})
}

// Override force-sets a ticket's status. Only administrators may use it; it
// is the recovery path for tickets whose stored status is inconsistent.
func (s *RepairService) Override(ctx context.Context, principal model.Principal, requestID string, input TransitionInput) (*model.RepairRequest, error) {
	if !principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}
	if !input.Status.Valid() {
		return nil, invalidInput("unknown status %q", input.Status)
	}

	return s.mutate(ctx, requestID, func(req *model.RepairRequest, ledger []model.RepairRequest) error {
		if !input.Status.Terminal() {
			if i := activeIndex(ledger, req.PotholeID, req.RequestID); i >= 0 {
				return &DuplicateActiveRequestError{PotholeID: req.PotholeID, ExistingID: ledger[i].RequestID}
			}
		}
		err := req.ForceStatus(input.Status, input.Note, input.ScheduledDate, principal.Actor(), s.now())
		if errors.Is(err, model.ErrScheduledDateRequired) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err == nil {
			s.log.Warn().Str("request_id", req.RequestID).Str("actor", principal.Actor()).
				Str("status", string(input.Status)).Msg("repair status overridden")
		}
		return err
	})
}

// mutate loads the ledger, applies fn to a copy of one ticket and writes the
// ledger back. Nothing is written when fn fails.
func (s *RepairService) mutate(ctx context.Context, requestID string, fn func(req *model.RepairRequest, ledger []model.RepairRequest) error) (*model.RepairRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(ledger, func(r model.RepairRequest) bool { return r.RequestID == requestID })
	if i < 0 {
		return nil, ErrNotFound
	}

	updated := ledger[i].Clone()
	if err := fn(&updated, ledger); err != nil {
		return nil, err
	}
	ledger[i] = updated
	if err := s.repo.Save(ctx, ledger); err != nil {
		return nil, err
	}

	out := updated.Clone()
	return &out, nil
}

func (s *RepairService) Get(ctx context.Context, requestID string) (*model.RepairRequest, error) {
	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range ledger {
		if r.RequestID == requestID {
			out := r.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

type RepairSortKey string

const (
	SortSubmittedDesc RepairSortKey = "submitted_desc"
	SortSubmittedAsc  RepairSortKey = "submitted_asc"
	SortPriorityDesc  RepairSortKey = "priority_desc"
	SortPriorityAsc   RepairSortKey = "priority_asc"
	SortStatusAsc     RepairSortKey = "status_asc"
	SortStatusDesc    RepairSortKey = "status_desc"
)

type RepairQuery struct {
	Status   *model.RepairStatus
	Priority *model.Priority
	Sort     RepairSortKey
}

func (s *RepairService) Query(ctx context.Context, q RepairQuery) ([]model.RepairRequest, error) {
	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.RepairRequest, 0, len(ledger))
	for _, r := range ledger {
		if q.Status != nil && r.Status != *q.Status {
			continue
		}
		if q.Priority != nil && r.Priority != *q.Priority {
			continue
		}
		out = append(out, r)
	}

	var less func(a, b model.RepairRequest) int
	switch q.Sort {
	case SortSubmittedAsc:
		less = func(a, b model.RepairRequest) int { return a.SubmittedAt.Compare(b.SubmittedAt) }
	case SortPriorityDesc:
		less = func(a, b model.RepairRequest) int { return cmp.Compare(b.Priority.Rank(), a.Priority.Rank()) }
	case SortPriorityAsc:
		less = func(a, b model.RepairRequest) int { return cmp.Compare(a.Priority.Rank(), b.Priority.Rank()) }
	case SortStatusAsc:
		less = func(a, b model.RepairRequest) int { return cmp.Compare(a.Status.Rank(), b.Status.Rank()) }
	case SortStatusDesc:
		less = func(a, b model.RepairRequest) int { return cmp.Compare(b.Status.Rank(), a.Status.Rank()) }
	case SortSubmittedDesc, "":
		less = func(a, b model.RepairRequest) int { return b.SubmittedAt.Compare(a.SubmittedAt) }
	default:
		return nil, invalidInput("unknown sort key %q", q.Sort)
	}
	slices.SortStableFunc(out, less)
	return out, nil
}

type AvailableLocation struct {
	Point               model.GeoPoint   `json:"point"`
	Severity            int              `json:"severity"`
	SuggestedPriority   model.Priority   `json:"suggested_priority"`
	SuggestedRepairType model.RepairType `json:"suggested_repair_type"`
	ActiveRequestID     string           `json:"active_request_id,omitempty"`
}

// AvailableLocations lists the pothole locations tickets can be raised for,
// flagging those that already have an open ticket.
func (s *RepairService) AvailableLocations(ctx context.Context) ([]AvailableLocation, error) {
	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	points := s.locations.MapPoints(ctx, s.demo)
	out := make([]AvailableLocation, 0, len(points))
	for _, p := range points {
		severity := p.Severity()
		loc := AvailableLocation{
			Point:               p,
			Severity:            severity,
			SuggestedPriority:   model.DefaultPriority(severity),
			SuggestedRepairType: model.DefaultRepairType(severity),
		}
		if i := activeIndex(ledger, p.PotholeID, ""); i >= 0 {
			loc.ActiveRequestID = ledger[i].RequestID
		}
		out = append(out, loc)
	}
	return out, nil
}

type RepairSummary struct {
	Total              int                        `json:"total"`
	ByStatus           map[model.RepairStatus]int `json:"by_status"`
	ByPriority         map[model.Priority]int     `json:"by_priority"`
	CompletionRate     float64                    `json:"completion_rate"`
	HighPriorityShare  float64                    `json:"high_priority_share"`
	AvgOpenAgeDays     float64                    `json:"avg_open_age_days"`
	CompletedEarly     int                        `json:"completed_early"`
	CompletedOnTime    int                        `json:"completed_on_time"`
	CompletedLate      int                        `json:"completed_late"`
	AvgCompletionDelta float64                    `json:"avg_completion_delta_days"`
}

// Summary reports ticket counts and how completed tickets fared against
// their expected completion date.
func (s *RepairService) Summary(ctx context.Context) (*RepairSummary, error) {
	ledger, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	sum := &RepairSummary{
		Total:      len(ledger),
		ByStatus:   make(map[model.RepairStatus]int),
		ByPriority: make(map[model.Priority]int),
	}
	if len(ledger) == 0 {
		return sum, nil
	}

	now := s.now()
	var openAges, deltas []float64
	for _, r := range ledger {
		sum.ByStatus[r.Status]++
		sum.ByPriority[r.Priority]++

		if !r.Status.Terminal() {
			openAges = append(openAges, now.Sub(r.SubmittedAt).Hours()/24)
		}
		if r.Status == model.RepairStatusCompleted && r.CompletedAt != nil && r.ExpectedCompletion != nil {
			delta := model.DateOf(*r.CompletedAt).DaysSince(*r.ExpectedCompletion)
			deltas = append(deltas, float64(delta))
			switch {
			case delta < -1:
				sum.CompletedEarly++
			case delta > 1:
				sum.CompletedLate++
			default:
				sum.CompletedOnTime++
			}
		}
	}

	sum.CompletionRate = 100 * float64(sum.ByStatus[model.RepairStatusCompleted]) / float64(sum.Total)
	sum.HighPriorityShare = 100 * float64(sum.ByPriority[model.PriorityHigh]) / float64(sum.Total)
	if len(openAges) > 0 {
		sum.AvgOpenAgeDays = stat.Mean(openAges, nil)
	}
	if len(deltas) > 0 {
		sum.AvgCompletionDelta = stat.Mean(deltas, nil)
	}
	return sum, nil
}

// activeIndex finds the open ticket for a pothole, skipping the ticket with
// id except. Tickets with an unrecognized status count as open.
func activeIndex(ledger []model.RepairRequest, potholeID, except string) int {
	return slices.IndexFunc(ledger, func(r model.RepairRequest) bool {
		return r.PotholeID == potholeID && r.RequestID != except && !r.Status.Terminal()
	})
}

// newRequestID builds REQ-YYYYMMDD-HHMMSS-XXXX. Ids sort by submission time
// to the second; the random suffix is redrawn on collision.
func newRequestID(now time.Time, ledger []model.RepairRequest) (string, error) {
	prefix := "REQ-" + now.Format("20060102-150405")
	for range 32 {
		u := uuid.New()
		id := fmt.Sprintf("%s-%02X%02X", prefix, u[0], u[1])
		taken := slices.ContainsFunc(ledger, func(r model.RepairRequest) bool { return r.RequestID == id })
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate a unique request id", ErrConflict)
}
