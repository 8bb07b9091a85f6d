package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/behrlich/go-tapdisk/control"
)

// call dials the control socket, runs one request and renders the
// errno as a command error.
func call(socket string, typ uint32, req any) ([]byte, error) {
	client, err := control.Dial(socket)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", socket, err)
	}
	defer client.Close()

	errno, payload, err := client.Call(typ, req)
	if err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, fmt.Errorf("operation failed: %v", syscall.Errno(-errno))
	}
	return payload, nil
}

func socketFlag(cmd *cobra.Command) *string {
	s := cmd.Flags().String("socket", defaultSocket(), "control socket path")
	return s
}

func newAttachCommand() *cobra.Command {
	var uuid uint16
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Create an empty VBD",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			_, err := call(socket, control.MessageAttach, control.UUIDParams{UUID: uuid})
			return err
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.MarkFlagRequired("uuid")
	return cmd
}

func newOpenCommand() *cobra.Command {
	var (
		uuid        uint16
		params      string
		rdonly      bool
		shareable   bool
		parentMinor int
		secondary   string
		standby     bool
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a VBD's image chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			_, err := call(socket, control.MessageOpen, control.OpenParams{
				UUID:        uuid,
				Params:      params,
				Rdonly:      rdonly,
				Shareable:   shareable,
				ParentMinor: parentMinor,
				Secondary:   secondary,
				Standby:     standby,
			})
			return err
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.Flags().StringVar(&params, "params", "", "image as type:path")
	cmd.Flags().BoolVar(&rdonly, "rdonly", false, "open read-only")
	cmd.Flags().BoolVar(&shareable, "shareable", false, "open shareable")
	cmd.Flags().IntVar(&parentMinor, "parent-minor", 0, "nominated parent device minor")
	cmd.Flags().StringVar(&secondary, "secondary", "", "secondary mirror as type:path")
	cmd.Flags().BoolVar(&standby, "standby", false, "standby mode")
	cmd.MarkFlagRequired("uuid")
	cmd.MarkFlagRequired("params")
	return cmd
}

func uuidCommand(use, short string, typ uint32) *cobra.Command {
	var uuid uint16
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			_, err := call(socket, typ, control.UUIDParams{UUID: uuid})
			return err
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.MarkFlagRequired("uuid")
	return cmd
}

func newCloseCommand() *cobra.Command {
	return uuidCommand("close", "Close a VBD's chain", control.MessageClose)
}

func newPauseCommand() *cobra.Command {
	return uuidCommand("pause", "Drain and pause a VBD", control.MessagePause)
}

func newDetachCommand() *cobra.Command {
	return uuidCommand("detach", "Tear a VBD down", control.MessageDetach)
}

func newResumeCommand() *cobra.Command {
	var (
		uuid   uint16
		params string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused VBD, optionally with a new chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			_, err := call(socket, control.MessageResume, control.ResumeParams{
				UUID:   uuid,
				Params: params,
			})
			return err
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.Flags().StringVar(&params, "params", "", "new image as type:path")
	cmd.MarkFlagRequired("uuid")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attached VBDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			payload, err := call(socket, control.MessageList, nil)
			if err != nil {
				return err
			}

			var entries []control.ListEntry
			if err := json.Unmarshal(payload, &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tTYPE\tNAME\tSTATE")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%#x\n", e.UUID, e.Type, e.Name, e.State)
			}
			return w.Flush()
		},
	}
	socketFlag(cmd)
	return cmd
}

func newStatsCommand() *cobra.Command {
	var uuid uint16
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Dump a VBD's statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			payload, err := call(socket, control.MessageStats, control.UUIDParams{UUID: uuid})
			if err != nil {
				return err
			}
			os.Stdout.Write(payload)
			fmt.Println()
			return nil
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.MarkFlagRequired("uuid")
	return cmd
}

func newPIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pid",
		Short: "Report the serving process pid",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			payload, err := call(socket, control.MessagePID, nil)
			if err != nil {
				return err
			}
			os.Stdout.Write(payload)
			fmt.Println()
			return nil
		},
	}
	socketFlag(cmd)
	return cmd
}

func newNBDCommand() *cobra.Command {
	var (
		uuid     uint16
		path     string
		fdPath   string
		newstyle bool
	)
	cmd := &cobra.Command{
		Use:   "nbd",
		Short: "Export a VBD over NBD on a unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			_, err := call(socket, control.MessageNBDStart, control.NBDStartParams{
				UUID:     uuid,
				Path:     path,
				FdPath:   fdPath,
				Newstyle: newstyle,
			})
			return err
		},
	}
	socketFlag(cmd)
	cmd.Flags().Uint16Var(&uuid, "uuid", 0, "VBD uuid")
	cmd.Flags().StringVar(&path, "path", "", "export socket path")
	cmd.Flags().StringVar(&fdPath, "fd-path", "", "fd-receiver socket path")
	cmd.Flags().BoolVar(&newstyle, "newstyle", true, "fixed-newstyle handshake")
	cmd.MarkFlagRequired("uuid")
	cmd.MarkFlagRequired("path")
	return cmd
}
