package service

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pothole-service/internal/alert"
	"pothole-service/internal/model"
	"pothole-service/internal/repository"
	"pothole-service/internal/utils"
)

var timePeriodPattern = regexp.MustCompile(`^(?i)last\s+(\d+)\s+days?$`)

type AlertService struct {
	settings  *repository.AlertSettingsRepository
	locations LocationSource
	notifier  alert.Notifier
	demo      bool
	log       zerolog.Logger
	now       func() time.Time
}

func NewAlertService(settings *repository.AlertSettingsRepository, locations LocationSource, notifier alert.Notifier, demo bool, log zerolog.Logger) *AlertService {
	return &AlertService{
		settings:  settings,
		locations: locations,
		notifier:  notifier,
		demo:      demo,
		log:       log.With().Str("component", "alert_service").Logger(),
		now:       time.Now,
	}
}

func (s *AlertService) GetSettings(ctx context.Context) (model.AlertSettings, error) {
	return s.settings.Get(ctx)
}

// UpdateSettings validates and stores new settings. Phone numbers are kept
// in normalized form.
func (s *AlertService) UpdateSettings(ctx context.Context, in model.AlertSettings) (model.AlertSettings, error) {
	if in.SeverityThreshold < 1 || in.SeverityThreshold > 10 {
		return model.AlertSettings{}, invalidInput("severity threshold must be between 1 and 10")
	}
	if in.ConfidenceThreshold < 0 || in.ConfidenceThreshold > 1 {
		return model.AlertSettings{}, invalidInput("confidence threshold must be between 0 and 1")
	}
	if _, err := periodStart(in.TimePeriod, s.now()); err != nil {
		return model.AlertSettings{}, err
	}
	for _, m := range in.NotifyMethods {
		if m != model.NotifyMethodSMS && m != model.NotifyMethodEmail {
			return model.AlertSettings{}, invalidInput("unknown notify method %q", m)
		}
	}

	phones := make([]string, 0, len(in.PhoneRecipients))
	for _, raw := range in.PhoneRecipients {
		phone := utils.NormalizePhone(raw)
		if phone == "" {
			return model.AlertSettings{}, invalidInput("invalid phone number %q", raw)
		}
		if !slices.Contains(phones, phone) {
			phones = append(phones, phone)
		}
	}
	in.PhoneRecipients = phones
	if in.EmailRecipients == nil {
		in.EmailRecipients = []string{}
	}
	if in.NotifyMethods == nil {
		in.NotifyMethods = []string{}
	}

	if err := s.settings.Save(ctx, in); err != nil {
		return model.AlertSettings{}, err
	}
	s.log.Info().Int("severity_threshold", in.SeverityThreshold).Int("phones", len(phones)).Msg("alert settings updated")
	return in, nil
}

type EvaluateAlertsInput struct {
	// Threshold overrides the stored severity threshold.
	Threshold *int
	Dispatch  bool
}

type AlertReport struct {
	Threshold  int                  `json:"threshold"`
	Alerts     []model.AlertMessage `json:"alerts"`
	Summary    string               `json:"summary"`
	Deliveries []alert.Delivery     `json:"deliveries"`
}

// Evaluate checks the current locations against the alert settings and,
// when asked to, sends the digest to the configured phones.
func (s *AlertService) Evaluate(ctx context.Context, in EvaluateAlertsInput) (*AlertReport, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	threshold := settings.SeverityThreshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	if threshold < 1 || threshold > 10 {
		return nil, invalidInput("severity threshold must be between 1 and 10")
	}
	since, err := periodStart(settings.TimePeriod, s.now())
	if err != nil {
		return nil, err
	}

	var points []model.GeoPoint
	for _, p := range s.locations.MapPoints(ctx, s.demo) {
		if p.Confidence < settings.ConfidenceThreshold {
			continue
		}
		if !since.IsZero() && !p.Timestamp.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		points = append(points, p)
	}

	messages := alert.Evaluate(points, threshold)
	report := &AlertReport{
		Threshold:  threshold,
		Alerts:     messages,
		Summary:    alert.Summary(messages),
		Deliveries: []alert.Delivery{},
	}

	if in.Dispatch && report.Summary != "" {
		if settings.Notifies(model.NotifyMethodSMS) {
			report.Deliveries = alert.Dispatch(ctx, s.notifier, settings.PhoneRecipients, report.Summary, s.log)
		}
		if settings.Notifies(model.NotifyMethodEmail) && len(settings.EmailRecipients) > 0 {
			s.log.Warn().Int("recipients", len(settings.EmailRecipients)).Msg("email delivery is not configured, skipping")
		}
	}

	s.log.Info().Int("threshold", threshold).Int("alerts", len(messages)).Int("deliveries", len(report.Deliveries)).
		Msg("alerts evaluated")
	return report, nil
}

// RepairSubmitted texts the first phone recipient about a new ticket.
// Failures are logged only.
func (s *AlertService) RepairSubmitted(ctx context.Context, req model.RepairRequest) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("alert settings unavailable, repair notification skipped")
		return
	}
	if !settings.Notifies(model.NotifyMethodSMS) || len(settings.PhoneRecipients) == 0 {
		return
	}

	expected := "not set"
	if req.ExpectedCompletion != nil {
		expected = req.ExpectedCompletion.String()
	}
	msg := fmt.Sprintf("Repair Request %s submitted for pothole ID: %s with %s priority. Expected completion: %s",
		req.RequestID, req.PotholeID, req.Priority, expected)

	alert.Dispatch(ctx, s.notifier, settings.PhoneRecipients[:1], msg, s.log)
}

// periodStart turns a "Last N days" period into its start time. "All time"
// and an empty period yield the zero time.
func periodStart(period string, now time.Time) (time.Time, error) {
	p := strings.TrimSpace(period)
	if p == "" || strings.EqualFold(p, "all time") {
		return time.Time{}, nil
	}
	m := timePeriodPattern.FindStringSubmatch(p)
	if m == nil {
		return time.Time{}, invalidInput("unsupported time period %q", period)
	}
	days, err := strconv.Atoi(m[1])
	if err != nil || days <= 0 {
		return time.Time{}, invalidInput("unsupported time period %q", period)
	}
	return now.AddDate(0, 0, -days), nil
}
