package command

import (
	"fmt"

	"github.com/mitchellh/cli"
)

// VersionCommand is a Command implementation prints the version.
type VersionCommand struct {
	Version           string
	VersionPrerelease string
	UI                cli.Ui
}

// Help provides the help information for the version command.
func (c *VersionCommand) Help() string {
	return ""
}

// Synopsis provides a brief summary of the version command.
func (c *VersionCommand) Synopsis() string {
	return "Prints the conductor version"
}

// Run executes the version command.
func (c *VersionCommand) Run(_ []string) int {
	version := c.Version
	if c.VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, c.VersionPrerelease)
	}

	c.UI.Output(fmt.Sprintf("conductor v%s", version))
	return 0
}
