package agent

import (
	"fmt"
	"net"

	metrics "github.com/armon/go-metrics"

	"github.com/elastic-core-engineering/conductor/client"
	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
	"github.com/elastic-core-engineering/conductor/notifier"
)

// Define default local addresses for Consul and Nomad.
const (
	LocalConsulAddress = "localhost:8500"
	LocalNomadAddress  = "http://localhost:4646"
)

// DefaultRPCAddr is the default bind address and port for the conductor RPC
// listener.
var DefaultRPCAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1314}

// DefaultConfig returns a default configuration struct with sane defaults.
func DefaultConfig() *structs.Config {

	return &structs.Config{
		ConsulKeyRoot:        "conductor/config",
		Nomad:                LocalNomadAddress,
		LogLevel:             "INFO",
		Namespace:            "default",
		Engine:               "nomad",
		DistributionStrategy: structs.DistributionStrategyParameterServer,
		PSIsCritical:         true,
		PSRelaunchMaxNum:     1,
		RPCAddr:              DefaultRPCAddr,

		Telemetry:    &structs.Telemetry{},
		Notification: &structs.Notification{},
	}
}

// DevConfig returns a configuration struct with sane defaults for
// development and testing purposes.
func DevConfig() *structs.Config {

	config := DefaultConfig()
	config.Consul = LocalConsulAddress
	config.LogLevel = "DEBUG"
	config.JobName = "example"

	return config
}

// InitializeClients completes the setup process for the cluster and Consul
// clients. Must be called after configuration merging is complete.
func InitializeClients(config *structs.Config) error {
	if config.JobName == "" {
		return fmt.Errorf("a job name must be configured")
	}

	watcher, err := client.NewNodeWatcher(config.Nomad, config.JobName,
		config.Namespace)
	if err != nil {
		return fmt.Errorf("unable to setup the node watcher: %v", err)
	}
	config.NodeWatcher = watcher

	elasticJob, err := client.NewElasticJob(config.Nomad, config.JobName,
		config.Namespace)
	if err != nil {
		return fmt.Errorf("unable to setup the job launcher: %v", err)
	}
	config.ElasticJob = elasticJob

	if config.Consul != "" {
		consulClient, err := client.NewConsulClient(config.Consul,
			config.ConsulToken)
		if err != nil {
			return fmt.Errorf("unable to setup the Consul client: %v", err)
		}
		config.ConsulClient = consulClient
	}

	return nil
}

// InitializeNotifiers instantiates a notification backend for every
// configured integration key.
func InitializeNotifiers(config *structs.Config) error {
	notification := config.Notification
	if notification == nil {
		return nil
	}

	if notification.PagerDutyServiceKey != "" {
		n, err := notifier.NewProvider("pagerduty", map[string]string{
			"PagerDutyServiceKey": notification.PagerDutyServiceKey,
		})
		if err != nil {
			return err
		}
		notification.Notifiers = append(notification.Notifiers, n)
	}

	if notification.OpsGenieAPIKey != "" {
		n, err := notifier.NewProvider("opsgenie", map[string]string{
			"OpsGenieAPIKey": notification.OpsGenieAPIKey,
		})
		if err != nil {
			return err
		}
		notification.Notifiers = append(notification.Notifiers, n)
	}

	return nil
}

// InitializeTelemetry configures the telemetry sink when one has been
// requested.
func InitializeTelemetry(config *structs.Config) error {
	if config.Telemetry == nil || config.Telemetry.StatsdAddress == "" {
		return nil
	}

	sink, err := metrics.NewStatsdSink(config.Telemetry.StatsdAddress)
	if err != nil {
		return fmt.Errorf("unable to setup the statsd sink: %v", err)
	}

	metricsConf := metrics.DefaultConfig("conductor")
	if _, err := metrics.NewGlobal(metricsConf, sink); err != nil {
		return fmt.Errorf("unable to setup the telemetry system: %v", err)
	}

	logging.Debug("command/agent: telemetry is being sent to %v",
		config.Telemetry.StatsdAddress)
	return nil
}
