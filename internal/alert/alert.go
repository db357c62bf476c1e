// Package alert decides which locations warrant an alert and hands the
// resulting messages to a notifier.
package alert

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"pothole-service/internal/model"
	"pothole-service/internal/utils"
)

// Notifier delivers one message to one phone number.
type Notifier interface {
	SendAlert(ctx context.Context, phoneNumber, message string) error
}

// Evaluate returns a message for every location whose severity reaches
// threshold, most severe first.
func Evaluate(locations []model.GeoPoint, threshold int) []model.AlertMessage {
	messages := make([]model.AlertMessage, 0)
	for _, loc := range locations {
		severity := loc.Severity()
		if severity < threshold {
			continue
		}
		messages = append(messages, model.AlertMessage{
			PotholeID:      loc.PotholeID,
			Location:       loc.Location,
			DetectionCount: loc.DetectionCount,
			Severity:       severity,
			Text:           Format(loc.DetectionCount, loc.Location, severity),
		})
	}

	slices.SortStableFunc(messages, func(a, b model.AlertMessage) int {
		return cmp.Or(
			cmp.Compare(b.Severity, a.Severity),
			cmp.Compare(b.DetectionCount, a.DetectionCount),
		)
	})
	return messages
}

func Format(count int, loc model.Coordinates, severity int) string {
	return fmt.Sprintf("ALERT: %d potholes detected at (%.4f, %.4f) with severity %.1f/10",
		count, loc.Latitude, loc.Longitude, float64(severity))
}

// Summary condenses a set of alerts into one digest suitable for SMS.
// It returns "" when there is nothing to report.
func Summary(messages []model.AlertMessage) string {
	if len(messages) == 0 {
		return ""
	}
	highest := 0
	for _, m := range messages {
		highest = max(highest, m.Severity)
	}
	return fmt.Sprintf("POTHOLE ALERT: %d critical areas identified. Highest severity: %d/10. Check the dashboard for locations.",
		len(messages), highest)
}

type Delivery struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

// Dispatch sends message to every recipient. Failures are recorded per
// recipient and never stop the remaining sends.
func Dispatch(ctx context.Context, notifier Notifier, recipients []string, message string, log zerolog.Logger) []Delivery {
	deliveries := make([]Delivery, 0, len(recipients))
	for _, raw := range recipients {
		d := Delivery{Recipient: raw}

		phone := utils.NormalizePhone(raw)
		switch {
		case phone == "":
			d.Error = "invalid phone number"
		case ctx.Err() != nil:
			d.Error = ctx.Err().Error()
		default:
			d.Recipient = phone
			if err := notifier.SendAlert(ctx, phone, message); err != nil {
				d.Error = err.Error()
			} else {
				d.Sent = true
			}
		}

		if !d.Sent {
			log.Warn().Str("recipient", d.Recipient).Str("reason", d.Error).Msg("alert delivery failed")
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}
