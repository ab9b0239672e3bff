package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

func TestConfigParse_ParseConfig(t *testing.T) {

	configFile := `
nomad                      = "http://nomad.rocks.systems:4646"
consul                     = "consul.rocks.systems:8500"
consul_key_root            = "conductor/deepspeech"
log_level                  = "DEBUG"
job_name                   = "deepspeech"
namespace                  = "ml-platform"
distribution_strategy      = "parameter_server"
relaunch_on_worker_failure = 3
ps_is_critical             = true
ps_relaunch_max_num        = 2

job_resource {
  ps {
    count     = 2
    cpu       = 8
    memory_mb = 16384
    priority  = "high"
  }

  worker {
    count     = 4
    cpu       = 4
    memory_mb = 8192
    priority  = "high"
  }
}

telemetry {
  statsd_address = "8.8.8.8:8125"
}

notification {
  cluster_identifier    = "nomad-rocks"
  pagerduty_service_key = "onlyopsoncall"
}
`

	config, err := ParseConfig(strings.NewReader(configFile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Nomad != "http://nomad.rocks.systems:4646" {
		t.Fatalf("unexpected nomad address %v", config.Nomad)
	}
	if config.JobName != "deepspeech" {
		t.Fatalf("unexpected job name %v", config.JobName)
	}
	if config.RelaunchOnWorkerFailure != 3 {
		t.Fatalf("unexpected worker relaunch budget %v",
			config.RelaunchOnWorkerFailure)
	}
	if !config.PSIsCritical || config.PSRelaunchMaxNum != 2 {
		t.Fatalf("unexpected ps criticality %v/%v", config.PSIsCritical,
			config.PSRelaunchMaxNum)
	}

	ps := config.JobResource[structs.NodeTypePS]
	if ps == nil || ps.Count != 2 || ps.MemoryMB != 16384 || ps.Priority != "high" {
		t.Fatalf("unexpected ps group %#v", ps)
	}
	worker := config.JobResource[structs.NodeTypeWorker]
	if worker == nil || worker.Count != 4 || worker.CPU != 4 {
		t.Fatalf("unexpected worker group %#v", worker)
	}

	if config.Telemetry == nil || config.Telemetry.StatsdAddress != "8.8.8.8:8125" {
		t.Fatalf("unexpected telemetry config %#v", config.Telemetry)
	}
	if config.Notification == nil ||
		config.Notification.PagerDutyServiceKey != "onlyopsoncall" {
		t.Fatalf("unexpected notification config %#v", config.Notification)
	}
}

func TestConfigParse_LoadConfigDir(t *testing.T) {

	dir := t.TempDir()

	base := `
nomad     = "http://nomad.rocks.systems:4646"
job_name  = "deepspeech"
log_level = "INFO"
`
	override := `
log_level = "DEBUG"
namespace = "ml-platform"
`
	if err := os.WriteFile(filepath.Join(dir, "10-base.hcl"),
		[]byte(base), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "20-override.hcl"),
		[]byte(override), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Files without a recognized extension are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("not hcl"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.JobName != "deepspeech" {
		t.Fatalf("unexpected job name %v", config.JobName)
	}
	if config.LogLevel != "DEBUG" {
		t.Fatalf("expected the later file to override the log level, got %v",
			config.LogLevel)
	}
	if config.Namespace != "ml-platform" {
		t.Fatalf("unexpected namespace %v", config.Namespace)
	}
}

func TestConfigParse_InvalidKey(t *testing.T) {

	configFile := `
nomad     = "http://localhost:4646"
job_title = "deepspeech"
`

	if _, err := ParseConfig(strings.NewReader(configFile)); err == nil {
		t.Fatalf("expected an error for an invalid configuration key")
	}
}
