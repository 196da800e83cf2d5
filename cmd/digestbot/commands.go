package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"digestbot/internal/app"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "digestbot",
		Short:         "Scheduled news digest delivery with missed-run recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./digestbot.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		runCmd(&cfgPath),
		ledgerCmd(&cfgPath),
		nextCmd(&cfgPath),
	)
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run <slot>",
		Short: "Run one slot now, flush, and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.RunOnce(ctx, args[0], wait)
			if err != nil {
				return err
			}
			if st.Depth > 0 {
				return fmt.Errorf("%d message(s) still queued; the slot stays pending", st.Depth)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slot %s delivered (%d message(s))\n", args[0], st.Delivered)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the destination and queued messages")
	return cmd
}

func ledgerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print the last recorded run of every slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			runs, err := a.Runs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tLAST RUN\tHASH")
			for _, r := range runs {
				last := "-"
				if !r.LastRunAt.IsZero() {
					last = r.LastRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.SlotID, last, r.LastContentHash)
			}
			return w.Flush()
		},
	}
}

func nextCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Print the next fire time of every slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			snap := a.Scheduler().Snapshot(cmd.Context())
			if len(snap.Slots) == 0 {
				return errors.New("no slots configured")
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "timezone %s, grace %s\n", snap.Timezone, snap.Grace)
			fmt.Fprintln(w, "SLOT\tTIME\tNEXT\tLAST RUN")
			for _, s := range snap.Slots {
				last := "-"
				if !s.LastRunAt.IsZero() {
					last = s.LastRunAt.In(a.Scheduler().Location()).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Slot.ID, s.Slot.Clock(), s.Next.Format(time.RFC3339), last)
			}
			return w.Flush()
		},
	}
}
