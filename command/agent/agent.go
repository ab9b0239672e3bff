package agent

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/elastic-core-engineering/conductor/command"
	"github.com/elastic-core-engineering/conductor/conductor"
	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
	"github.com/elastic-core-engineering/conductor/version"
)

// Command is the agent command structure used to track passed args as well
// as the CLI meta.
type Command struct {
	command.Meta
	args []string
}

// Run triggers a run of the conductor agent by setting up and parsing the
// configuration and then initiating a new server.
func (c *Command) Run(args []string) int {

	c.args = args
	conf := c.parseFlags()
	if conf == nil {
		return 1
	}

	if err := c.initializeAgent(conf); err != nil {
		logging.Error("command/agent: unable to initialize agent: %v", err)
		return 1
	}

	logging.Info("command/agent: running version %v", version.Get())
	logging.Info("command/agent: starting conductor agent for job %s...",
		conf.JobName)

	server, err := conductor.NewServer(conf)
	if err != nil {
		logging.Error("command/agent: unable to start the server: %v", err)
		return 1
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	for {
		select {
		case s := <-signalCh:
			switch s {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				logging.Info("command/agent: caught signal %v", s)
				server.Shutdown()
				return 1

			case syscall.SIGHUP:
				logging.Info("command/agent: caught signal %v", s)
				server.Shutdown()

				// Reload the configuration in order to make proper use of
				// SIGHUP.
				config := c.parseFlags()
				if config == nil {
					return 1
				}

				if err := c.initializeAgent(config); err != nil {
					logging.Error("command/agent: unable to initialize "+
						"agent: %v", err)
					return 1
				}

				// Setup a new server with the new configuration.
				server, err = conductor.NewServer(config)
				if err != nil {
					logging.Error("command/agent: unable to start the "+
						"server: %v", err)
					return 1
				}
			}
		}
	}
}

func (c *Command) parseFlags() *structs.Config {

	var configPath string
	var dev bool

	// An empty new config is setup here to allow us to fill this with any
	// passed cli flags for later merging.
	cliConfig := &structs.Config{
		Telemetry:    &structs.Telemetry{},
		Notification: &structs.Notification{},
	}

	flags := c.Meta.FlagSet("agent", command.FlagSetClient)
	flags.Usage = func() { c.UI.Error(c.Help()) }

	flags.StringVar(&configPath, "config", "", "")
	flags.BoolVar(&dev, "dev", false, "")

	// Top level configuration flags
	flags.StringVar(&cliConfig.Consul, "consul", "", "")
	flags.StringVar(&cliConfig.ConsulKeyRoot, "consul-key-root", "", "")
	flags.StringVar(&cliConfig.ConsulToken, "consul-token", "", "")
	flags.StringVar(&cliConfig.LogLevel, "log-level", "", "")
	flags.StringVar(&cliConfig.Nomad, "nomad", "", "")
	flags.StringVar(&cliConfig.JobName, "job-name", "", "")
	flags.StringVar(&cliConfig.Namespace, "namespace", "", "")
	flags.StringVar(&cliConfig.DistributionStrategy, "distribution-strategy", "", "")
	flags.IntVar(&cliConfig.RelaunchOnWorkerFailure, "relaunch-on-worker-failure", 0, "")
	flags.IntVar(&cliConfig.PSRelaunchMaxNum, "ps-relaunch-max-num", 0, "")

	// Telemetry configuration flags
	flags.StringVar(&cliConfig.Telemetry.StatsdAddress, "statsd-address", "", "")

	// Notification configuration flags
	flags.StringVar(&cliConfig.Notification.ClusterIdentifier, "cluster-identifier", "", "")
	flags.StringVar(&cliConfig.Notification.PagerDutyServiceKey, "pagerduty-service-key", "", "")
	flags.StringVar(&cliConfig.Notification.OpsGenieAPIKey, "opsgenie-api-key", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if dev {
		config = DevConfig()
	}

	if configPath != "" {
		fileConfig, err := LoadConfig(configPath)
		if err != nil {
			logging.Error("command/agent: unable to load the configuration "+
				"at %v: %v", configPath, err)
			return nil
		}
		config = config.Merge(fileConfig)
	}

	return config.Merge(cliConfig)
}

// initializeAgent setups up a number of configuration clients which depend
// on the merged configuration.
func (c *Command) initializeAgent(config *structs.Config) error {

	logging.SetLevel(config.LogLevel)

	if err := InitializeTelemetry(config); err != nil {
		return err
	}

	if err := InitializeNotifiers(config); err != nil {
		return err
	}

	return InitializeClients(config)
}

// Help provides the help information for the agent command.
func (c *Command) Help() string {
	helpText := `
Usage: conductor agent [options]

  Starts the conductor agent and runs until an interrupt is received. The
  agent watches the nodes of an elastic training job, relaunches failed
  nodes within their budget and reports job status.

  The agent's configuration primarily comes from the config file used, but
  a subset of the options may also be passed directly as CLI arguments.

General Options:

  -config=<path>
    The path to either a single config file or a directory of config files
    to use when configuring the conductor agent. Conductor processes
    configuration files in lexicographic order.

  -dev
    Start the conductor agent in development mode. This runs against local
    Nomad and Consul agents with verbose logging.

  -consul=<address:port>
    This is the address of the Consul agent used for leader election and
    job status snapshots. When omitted the agent runs in single-instance
    mode.

  -consul-key-root=<key>
    The Consul Key/Value Store location under which conductor stores its
    leader lock and status snapshot. By default, this is conductor/config.

  -consul-token=<token>
    The Consul ACL token to use when communicating with a secured Consul
    cluster.

  -nomad=<address:port>
    The address and port Nomad is running at. By default, this is
    http://localhost:4646.

  -job-name=<name>
    The name of the training job to supervise.

  -namespace=<namespace>
    The cluster namespace the training job runs in.

  -distribution-strategy=<strategy>
    The training distribution strategy; one of parameter_server, allreduce
    or custom.

  -relaunch-on-worker-failure=<num>
    The relaunch budget granted to each worker node.

  -ps-relaunch-max-num=<num>
    The relaunch budget granted to each parameter server.

  -log-level=<level>
    Specify the verbosity level of conductor's logs. The default is INFO.

Telemetry Options:

  -statsd-address=<address:port>
    Specifies the address of a statsd server to forward metrics data to.

Notification Options:

  -cluster-identifier=<name>
    A human-readable cluster name included in every notification.

  -pagerduty-service-key=<key>
    The PagerDuty integration key to send failure notifications to.

  -opsgenie-api-key=<key>
    The OpsGenie integration key to send failure notifications to.
`
	return strings.TrimSpace(helpText)
}

// Synopsis provides a brief summary of the agent command.
func (c *Command) Synopsis() string {
	return "Runs a conductor agent"
}
