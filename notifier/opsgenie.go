package notifier

import (
	"context"

	"github.com/opsgenie/opsgenie-go-sdk-v2/alert"
	ogclient "github.com/opsgenie/opsgenie-go-sdk-v2/client"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// OpsGenieProvider contains the required configuration to send OpsGenie
// notifications.
type OpsGenieProvider struct {
	config map[string]string
}

// Name returns the name of the notification endpoint in a lowercase, human
// readable format.
func (og *OpsGenieProvider) Name() string {
	return "opsgenie"
}

// NewOpsGenieProvider creates the OpsGenie notification provider.
func NewOpsGenieProvider(c map[string]string) (structs.Notifier, error) {

	og := &OpsGenieProvider{
		config: c,
	}

	return og, nil
}

// SendNotification will send a notification to OpsGenie using the alert
// library call to create a new incident.
func (og *OpsGenieProvider) SendNotification(message structs.FailureMessage) {

	alertClient, err := alert.NewClient(&ogclient.Config{
		ApiKey: og.config["OpsGenieAPIKey"],
	})
	if err != nil {
		logging.Error("notifier/opsgenie: an error occurred creating the "+
			"OpsGenie client: %v", err)
		return
	}

	request := &alert.CreateAlertRequest{
		Message:     "conductor notification",
		Alias:       message.AlertUID,
		Description: description(message),
		Details: map[string]string{
			"alert_uid":          message.AlertUID,
			"cluster_identifier": message.ClusterIdentifier,
			"job_name":           message.JobName,
			"reason":             message.Reason,
			"failed_resource":    message.FailedResource,
		},
		Entity: message.FailedResource,
		Source: "conductor",
	}

	resp, err := alertClient.Create(context.Background(), request)
	if err != nil {
		logging.Error("notifier/opsgenie: an error occurred creating the "+
			"OpsGenie event: %v", err)
		return
	}

	logging.Info("notifier/opsgenie: incident %s has been triggered",
		resp.RequestId)
}
