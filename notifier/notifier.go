// Package notifier implements the notification backends conductor pages
// operators through when a critical training node can no longer be
// relaunched.
package notifier

import (
	"fmt"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// NewProvider is the factory entrance to the notification backends.
func NewProvider(t string, c map[string]string) (structs.Notifier, error) {

	var n structs.Notifier
	var err error

	switch t {
	case "pagerduty":
		n, err = NewPagerDutyProvider(c)
	case "opsgenie":
		n, err = NewOpsGenieProvider(c)
	default:
		err = fmt.Errorf("the notifications provider %s is not supported", t)
	}
	return n, err
}

// description formats the human-readable incident description shared by
// every backend.
func description(message structs.FailureMessage) string {
	return fmt.Sprintf("%s %s_%s_%s",
		message.AlertUID, message.ClusterIdentifier, message.Reason,
		message.FailedResource)
}
