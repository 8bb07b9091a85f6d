package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/control"
	_ "github.com/behrlich/go-tapdisk/drivers"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
)

func newServeCommand() *cobra.Command {
	var (
		socketPath string
		aioBackend string
		queueDepth int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the datapath process",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			switch logLevel {
			case "debug":
				level = logging.LevelDebug
			case "warn":
				level = logging.LevelWarn
			case "error":
				level = logging.LevelError
			}
			logging.SetDefault(logging.NewLogger(&logging.Config{
				Level:  level,
				Output: os.Stderr,
			}))

			params := tapdisk.DefaultParams()
			params.AIOBackend = aioBackend
			if queueDepth > 0 {
				params.QueueDepth = queueDepth
			}

			server, err := tapdisk.NewServer(params)
			if err != nil {
				return err
			}
			defer server.Close()

			ctl, err := control.New(server, socketPath)
			if err != nil {
				return err
			}
			defer ctl.Close()

			// The core is single-threaded: signals are forwarded onto
			// the event loop through a self-pipe so shutdown runs on
			// the loop goroutine like everything else.
			var pipe [2]int
			if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
				return err
			}
			_, err = server.Scheduler().RegisterEvent(scheduler.PollReadFD, pipe[0], 0,
				func(scheduler.EventID, scheduler.Mode) {
					logging.Info("signal received, shutting down")
					for _, vbd := range server.VBDs() {
						vbd.Shutdown()
					}
					server.Stop()
				})
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)

			var group errgroup.Group
			group.Go(func() error {
				if _, ok := <-sigs; ok {
					unix.Write(pipe[1], []byte{0})
				}
				return nil
			})
			err = server.Run()
			signal.Stop(sigs)
			close(sigs)
			if gerr := group.Wait(); err == nil {
				err = gerr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", defaultSocket(), "control socket path")
	cmd.Flags().StringVar(&aioBackend, "aio", "", "aio backend: uring or sync (empty selects automatically)")
	cmd.Flags().IntVar(&queueDepth, "queue-depth", 0, "async I/O queue depth")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func defaultSocket() string {
	return "/var/run/tapdisk/control.sock"
}
