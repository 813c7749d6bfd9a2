package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/five82/tether/internal/app"
	"github.com/five82/tether/internal/state"
	"github.com/five82/tether/internal/ui"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run discovery and serve the message bus",
		Long: `worker is the single context that runs discovery. It keeps the daemon
port current, persists it, and broadcasts status to popup and watch contexts
over a localhost websocket bus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags, app.SourceWorker, true)
			if err != nil {
				return err
			}
			defer env.Close()
			return app.RunWorker(cmd.Context(), env)
		},
	}
}

func newPopupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "popup",
		Short: "Show connection status interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Logs go to the file only; stderr would corrupt the screen.
			env, err := setup(flags, "popup", false)
			if err != nil {
				return err
			}
			defer env.Close()

			follower, stop := app.Follow(cmd.Context(), env, "popup")
			defer stop()
			return ui.Run(ui.Options{Context: cmd.Context(), Controller: follower})
		},
	}
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print state changes seen by a follower context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags, "watch", false)
			if err != nil {
				return err
			}
			defer env.Close()

			out := newPrinter(cmd.OutOrStdout())
			follower, stop := app.Follow(cmd.Context(), env, "watch")
			defer stop()

			store := follower.Store()
			out.Muted("watching %s (ctrl+c to stop)", env.Config.Bus.Bind)
			printChange(out, state.Event{Kind: state.ServerStatusChanged, State: store.Snapshot()})
			unsub := store.Subscribe(state.AnyChange, func(ev state.Event) {
				printChange(out, ev)
			})
			defer unsub()

			<-cmd.Context().Done()
			return nil
		},
	}
}

func printChange(out *printer, ev state.Event) {
	ts := time.Now().Format("15:04:05")
	st := ev.State
	switch ev.Kind {
	case state.ServerStatusChanged:
		line := fmt.Sprintf("%s status %s", ts, st.Server.Status)
		if port, ok := st.Server.PortValue(); ok {
			line += fmt.Sprintf(" port=%d", port)
		}
		if st.Server.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(" failures=%d", st.Server.ConsecutiveFailures)
		}
		switch st.Server.Status {
		case state.StatusConnected:
			out.Success("%s", line)
		case state.StatusChecking:
			out.Warning("%s", line)
		default:
			out.Failure("%s", line)
		}
	case state.ScanProgressChanged:
		if job := st.Server.Scan; job != nil && job.Progress.Total > 0 {
			out.Info("%s scan %d/%d", ts, job.Progress.Current, job.Progress.Total)
		}
	case state.DiscoveryCacheChanged:
		if st.Cache.Port != nil {
			out.Info("%s cached port %d", ts, *st.Cache.Port)
		} else {
			out.Info("%s cached port cleared", ts)
		}
	case state.UIThemeChanged:
		out.Muted("%s theme %s", ts, st.UI.Theme)
	case state.UIVisibilityChanged:
		out.Muted("%s button visible=%t", ts, st.UI.ButtonVisible)
	case state.DownloadQueueChanged, state.DownloadActiveChanged:
		out.Muted("%s downloads %d queued, %d active", ts, len(st.Downloads.Queue), len(st.Downloads.Active))
	case state.DownloadHistoryChanged:
		out.Muted("%s history %d entries", ts, len(st.Downloads.History))
	}
}
