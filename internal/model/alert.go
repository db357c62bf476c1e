package model

const (
	NotifyMethodSMS   = "SMS"
	NotifyMethodEmail = "Email"
)

type AlertSettings struct {
	SeverityThreshold   int      `yaml:"severity_threshold" json:"severity_threshold"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold"`
	TimePeriod          string   `yaml:"time_period" json:"time_period"`
	NotifyMethods       []string `yaml:"notify_methods" json:"notify_methods"`
	PhoneRecipients     []string `yaml:"phone_recipients" json:"phone_recipients"`
	EmailRecipients     []string `yaml:"email_recipients" json:"email_recipients"`
	Frequency           string   `yaml:"frequency" json:"frequency"`
}

func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		SeverityThreshold:   3,
		ConfidenceThreshold: 0.4,
		TimePeriod:          "Last 7 days",
		NotifyMethods:       []string{NotifyMethodEmail},
		PhoneRecipients:     []string{},
		EmailRecipients:     []string{},
		Frequency:           "Daily",
	}
}

func (s AlertSettings) Notifies(method string) bool {
	for _, m := range s.NotifyMethods {
		if m == method {
			return true
		}
	}
	return false
}

type AlertMessage struct {
	PotholeID      string      `json:"pothole_id"`
	Location       Coordinates `json:"location"`
	DetectionCount int         `json:"detection_count"`
	Severity       int         `json:"severity"`
	Text           string      `json:"text"`
}
