package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elastic-core-engineering/conductor/api"
)

// StatusCommand is a command implementation that reports the state of the
// supervised training job from a running conductor agent.
type StatusCommand struct {
	Meta
	args []string
}

// Help provides the help information for the status command.
func (c *StatusCommand) Help() string {
	helpText := `
Usage: conductor status [options]

  Queries a running conductor agent and displays the leadership state and
  a per-role summary of the supervised training job.

General Options:

  -rpc-addr=<address:port>
    The RPC address of the conductor agent to query. By default, this is
    127.0.0.1:1314.
`
	return strings.TrimSpace(helpText)
}

// Synopsis provides a brief summary of the status command.
func (c *StatusCommand) Synopsis() string {
	return "Display the status of the supervised training job"
}

// Run executes the status command.
func (c *StatusCommand) Run(args []string) int {
	c.args = args

	var rpcAddr string
	flags := c.Meta.FlagSet("status", FlagSetClient)
	flags.Usage = func() { c.UI.Error(c.Help()) }
	flags.StringVar(&rpcAddr, "rpc-addr", "127.0.0.1:1314", "")
	if err := flags.Parse(c.args); err != nil {
		return 1
	}

	client := api.NewClient(rpcAddr)

	leader, err := client.Status().Leader()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Unable to query the agent leader status: %v", err))
		return 1
	}

	job, err := client.Status().Job()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Unable to query the job status: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("Job      = %s", job.JobName))
	c.UI.Output(fmt.Sprintf("UUID     = %s", job.JobUUID))
	c.UI.Output(fmt.Sprintf("Leader   = %v", leader.LeaderSelf))
	c.UI.Output(fmt.Sprintf("Pending Relaunches = %v", job.PendingRelaunches))

	types := make([]string, 0, len(job.NodeCounts))
	for nodeType := range job.NodeCounts {
		types = append(types, nodeType)
	}
	sort.Strings(types)

	for _, nodeType := range types {
		counts := job.NodeCounts[nodeType]
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)

		var summary []string
		for _, status := range statuses {
			summary = append(summary, fmt.Sprintf("%s=%v", status, counts[status]))
		}
		c.UI.Output(fmt.Sprintf("%-10s %s", nodeType, strings.Join(summary, " ")))
	}

	return 0
}
