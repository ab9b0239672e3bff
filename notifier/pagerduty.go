package notifier

import (
	pagerduty "github.com/PagerDuty/go-pagerduty"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// PagerDutyProvider contains the required configuration to send PagerDuty
// notifications.
type PagerDutyProvider struct {
	config map[string]string
}

// Name returns the name of the notification endpoint in a lowercase, human
// readable format.
func (p *PagerDutyProvider) Name() string {
	return "pagerduty"
}

// NewPagerDutyProvider creates the PagerDuty notification provider.
func NewPagerDutyProvider(c map[string]string) (structs.Notifier, error) {

	p := &PagerDutyProvider{
		config: c,
	}

	return p, nil
}

// SendNotification will send a notification to PagerDuty using the Event
// library call to create a new incident.
func (p *PagerDutyProvider) SendNotification(message structs.FailureMessage) {

	event := pagerduty.Event{
		ServiceKey:  p.config["PagerDutyServiceKey"],
		Type:        "trigger",
		Description: description(message),
		Details:     message,
	}

	resp, err := pagerduty.CreateEvent(event)
	if err != nil {
		logging.Error("notifier/pagerduty: an error occurred creating the "+
			"PagerDuty event: %v", err)
		return
	}

	logging.Info("notifier/pagerduty: incident %s has been triggered",
		resp.IncidentKey)
}
