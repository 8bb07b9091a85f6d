package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tapdisk",
		Short: "Userspace block device I/O multiplexer",
		Long: `tapdisk serves virtual block devices to guests through chains of
pluggable image drivers, fed by Xen shared-ring and NBD frontends.

The serve command runs the datapath process; the remaining commands
talk to a running process over its control socket.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newAttachCommand(),
		newOpenCommand(),
		newCloseCommand(),
		newPauseCommand(),
		newResumeCommand(),
		newDetachCommand(),
		newListCommand(),
		newStatsCommand(),
		newPIDCommand(),
		newNBDCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
