package command

import (
	"flag"

	"github.com/mitchellh/cli"
)

// FlagSetFlags is an enum to define what flags are present in the default
// FlagSet returned by Meta.FlagSet.
type FlagSetFlags uint

const (
	// FlagSetNone returns a FlagSet with no default flags.
	FlagSetNone FlagSetFlags = 0

	// FlagSetClient selects the client flag set; FlagSet adds no flags for
	// it.
	FlagSetClient FlagSetFlags = 1 << iota
)

// Meta contains the meta-options and functionality that nearly every
// conductor command inherits.
type Meta struct {
	UI cli.Ui
}

// FlagSet returns an empty FlagSet whose error output goes to the UI. The
// second parameter is not consulted; no default flags are added.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	// Create an io.Writer that writes to our UI properly for errors. This
	// is kind of a hack, but it does the job.
	errW := &uiErrorWriter{ui: m.UI}
	f.SetOutput(errW)

	return f
}

// uiErrorWriter adapts a cli.Ui to an io.Writer so the flag package's
// errors land on the error stream.
type uiErrorWriter struct {
	ui cli.Ui
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	w.ui.Error(string(data))
	return len(data), nil
}
