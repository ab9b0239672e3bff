package structs

import "net"

// Distribution strategies supported by the training front-end. Workers are
// only considered critical, and only have a relaunch budget, under the
// parameter server and custom strategies.
const (
	DistributionStrategyParameterServer = "parameter_server"
	DistributionStrategyAllReduce       = "allreduce"
	DistributionStrategyCustom          = "custom"
)

// Config is the main configuration struct used to configure the conductor
// application.
type Config struct {
	// Consul is the location of the Consul instance or cluster endpoint to
	// query (may be an IP address or FQDN) with port. When empty, the agent
	// runs without leader election in single-instance mode.
	Consul string `mapstructure:"consul"`

	// ConsulKeyRoot is the Consul Key/Value Store location under which
	// conductor stores its leader lock and job status snapshot.
	ConsulKeyRoot string `mapstructure:"consul_key_root"`

	// ConsulToken is the Consul ACL token used when the cluster requires
	// one.
	ConsulToken string `mapstructure:"consul_token"`

	// Nomad is the location of the Nomad instance or cluster endpoint to
	// query (may be an IP address or FQDN) with port.
	Nomad string `mapstructure:"nomad"`

	// LogLevel is the level at which the application should log from.
	LogLevel string `mapstructure:"log_level"`

	// JobName is the name of the training job to supervise.
	JobName string `mapstructure:"job_name"`

	// Namespace is the cluster namespace the training job runs in.
	Namespace string `mapstructure:"namespace"`

	// Engine selects the cluster backend the adapters wrap.
	Engine string `mapstructure:"engine"`

	// DistributionStrategy is the training distribution strategy announced
	// by the front-end.
	DistributionStrategy string `mapstructure:"distribution_strategy"`

	// RelaunchOnWorkerFailure is the relaunch budget granted to each worker
	// node, clamped to the implementation ceiling.
	RelaunchOnWorkerFailure int `mapstructure:"relaunch_on_worker_failure"`

	// PSIsCritical marks every parameter server as critical.
	PSIsCritical bool `mapstructure:"ps_is_critical"`

	// PSRelaunchMaxNum is the relaunch budget granted to each parameter
	// server, clamped to the implementation ceiling.
	PSRelaunchMaxNum int `mapstructure:"ps_relaunch_max_num"`

	// CriticalWorkerIndex maps worker ids to the relaunch budget they carry
	// as critical nodes. Derived from the distribution strategy.
	CriticalWorkerIndex map[int]int

	// WaitPendingRelaunch indicates the job should account for decided but
	// not yet observed relaunches before declaring completion.
	WaitPendingRelaunch bool `mapstructure:"wait_pending_relaunch"`

	// UseDDP indicates the workers train with distributed data parallelism.
	UseDDP bool `mapstructure:"use_ddp"`

	// JobResource describes the node groups of the training job keyed by
	// node type.
	JobResource map[string]*NodeGroupConfig `mapstructure:"job_resource"`

	// RPCAddr is the bind address and port for the agent RPC listener.
	RPCAddr *net.TCPAddr

	// Telemetry is the configuration struct that controls the telemetry
	// settings.
	Telemetry *Telemetry `mapstructure:"telemetry"`

	// Notification is the configuration struct that controls the
	// notification settings.
	Notification *Notification `mapstructure:"notification"`

	// ConsulClient provides a client to interact with the Consul API.
	ConsulClient ConsulClient

	// NodeWatcher provides the cluster-side watch view of the training job.
	NodeWatcher NodeWatcher

	// ElasticJob provides the launcher-side primitives of the training job.
	ElasticJob ElasticJob
}

// NodeGroupConfig is the configuration-file facing descriptor of one node
// group within the training job.
type NodeGroupConfig struct {
	// Count is the number of nodes the group starts with.
	Count int `mapstructure:"count"`

	// CPU is the per-node core request.
	CPU float64 `mapstructure:"cpu"`

	// MemoryMB is the per-node memory request in megabytes.
	MemoryMB int `mapstructure:"memory_mb"`

	// Priority is the scheduling priority applied to the group.
	Priority string `mapstructure:"priority"`
}

// Telemetry is the struct that controls the telemetry configuration. If a
// value is present then telemetry is enabled. Currently statsd is the only
// supported sink.
type Telemetry struct {
	// StatsdAddress specifies the address of a statsd server to forward
	// metrics to and should include the port.
	StatsdAddress string `mapstructure:"statsd_address"`
}

// Notification is the struct that controls the notification configuration
// used when critical nodes exhaust their relaunch budget.
type Notification struct {
	// ClusterIdentifier is a human-readable identifier included in every
	// notification.
	ClusterIdentifier string `mapstructure:"cluster_identifier"`

	// PagerDutyServiceKey is the PagerDuty integration key.
	PagerDutyServiceKey string `mapstructure:"pagerduty_service_key"`

	// OpsGenieAPIKey is the OpsGenie integration key.
	OpsGenieAPIKey string `mapstructure:"opsgenie_api_key"`

	// Notifiers holds the instantiated notification backends.
	Notifiers []Notifier
}

// Notifier is the interface to the notification backends. All backends are
// expected to implement this set of functions.
type Notifier interface {
	Name() string
	SendNotification(FailureMessage)
}

// FailureMessage contains all relevant notification information to provide
// to operators when a critical node can no longer be relaunched.
type FailureMessage struct {
	AlertUID          string
	ClusterIdentifier string
	JobName           string
	Reason            string
	FailedResource    string
}

// Merge merges two configurations.
func (c *Config) Merge(b *Config) *Config {
	config := *c

	if b.Consul != "" {
		config.Consul = b.Consul
	}

	if b.ConsulKeyRoot != "" {
		config.ConsulKeyRoot = b.ConsulKeyRoot
	}

	if b.ConsulToken != "" {
		config.ConsulToken = b.ConsulToken
	}

	if b.Nomad != "" {
		config.Nomad = b.Nomad
	}

	if b.LogLevel != "" {
		config.LogLevel = b.LogLevel
	}

	if b.JobName != "" {
		config.JobName = b.JobName
	}

	if b.Namespace != "" {
		config.Namespace = b.Namespace
	}

	if b.Engine != "" {
		config.Engine = b.Engine
	}

	if b.DistributionStrategy != "" {
		config.DistributionStrategy = b.DistributionStrategy
	}

	if b.RelaunchOnWorkerFailure > 0 {
		config.RelaunchOnWorkerFailure = b.RelaunchOnWorkerFailure
	}

	if b.PSIsCritical {
		config.PSIsCritical = b.PSIsCritical
	}

	if b.PSRelaunchMaxNum > 0 {
		config.PSRelaunchMaxNum = b.PSRelaunchMaxNum
	}

	if b.WaitPendingRelaunch {
		config.WaitPendingRelaunch = b.WaitPendingRelaunch
	}

	if b.UseDDP {
		config.UseDDP = b.UseDDP
	}

	if len(b.JobResource) > 0 {
		config.JobResource = b.JobResource
	}

	if b.RPCAddr != nil {
		config.RPCAddr = b.RPCAddr
	}

	// Apply the Telemetry config
	if config.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		config.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		config.Telemetry = config.Telemetry.Merge(b.Telemetry)
	}

	// Apply the Notification config
	if config.Notification == nil && b.Notification != nil {
		notification := *b.Notification
		config.Notification = &notification
	} else if b.Notification != nil {
		config.Notification = config.Notification.Merge(b.Notification)
	}

	return &config
}

// Merge is used to merge two Telemetry configurations together.
func (t *Telemetry) Merge(b *Telemetry) *Telemetry {
	config := *t

	if b.StatsdAddress != "" {
		config.StatsdAddress = b.StatsdAddress
	}

	return &config
}

// Merge is used to merge two Notification configurations together.
func (n *Notification) Merge(b *Notification) *Notification {
	config := *n

	if b.ClusterIdentifier != "" {
		config.ClusterIdentifier = b.ClusterIdentifier
	}

	if b.PagerDutyServiceKey != "" {
		config.PagerDutyServiceKey = b.PagerDutyServiceKey
	}

	if b.OpsGenieAPIKey != "" {
		config.OpsGenieAPIKey = b.OpsGenieAPIKey
	}

	return &config
}
