package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage rotation policies and the rotation schedule",
	}
	cmd.AddCommand(newPolicySetCmd())
	cmd.AddCommand(newPolicyListCmd())
	cmd.AddCommand(newPolicyDeleteCmd())
	cmd.AddCommand(newPolicyScheduleCmd())
	cmd.AddCommand(newPolicyCancelCmd())
	cmd.AddCommand(newPolicyWatchCmd())
	return cmd
}

func newPolicySetCmd() *cobra.Command {
	var (
		intervalDays int
		graceDays    int
		autoRotate   bool
		notifyBefore []int
	)

	cmd := &cobra.Command{
		Use:   "set <key-id>",
		Short: "Create or update a rotation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			policy := &types.KeyRotationPolicy{
				KeyId:            args[0],
				IntervalDays:     intervalDays,
				GracePeriodDays:  graceDays,
				AutoRotate:       autoRotate,
				NotifyBeforeDays: notifyBefore,
			}
			if err := svcs.registry.SetPolicy(cmd.Context(), policy); err != nil {
				return err
			}
			return printJSON(policy)
		},
	}
	cmd.Flags().IntVar(&intervalDays, "interval", 90, "days between rotations")
	cmd.Flags().IntVar(&graceDays, "grace", 7, "days the superseded key stays decryptable")
	cmd.Flags().BoolVar(&autoRotate, "auto", true, "rotate automatically when due")
	cmd.Flags().IntSliceVar(&notifyBefore, "notify-before", nil, "lead times in days for due-soon notifications")
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rotation policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			policies, err := svcs.registry.ListPolicies(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(policies)
		},
	}
}

func newPolicyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a rotation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			if err := svcs.registry.DeletePolicy(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted policy for %s\n", args[0])
			return nil
		},
	}
}

func newPolicyScheduleCmd() *cobra.Command {
	var (
		in       time.Duration
		priority string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "schedule <key-id>",
		Short: "Queue a one-off rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			at := time.Now().UTC().Add(in)
			return svcs.registry.ScheduleRotation(cmd.Context(), args[0], at, types.RotationPriority(priority), reason)
		},
	}
	cmd.Flags().DurationVar(&in, "in", 0, "delay before the rotation is due")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityMedium), "rotation priority (HIGH, MEDIUM, LOW)")
	cmd.Flags().StringVar(&reason, "reason", "operator scheduled", "reason recorded with the rotation")
	return cmd
}

func newPolicyCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <key-id>",
		Short: "Cancel a pending rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			if err := svcs.registry.CancelScheduledRotation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled pending rotation for %s\n", args[0])
			return nil
		},
	}
}

func newPolicyWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the rotation scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			if err := svcs.scheduler.Start(svcs.cfg.SchedulerSpec); err != nil {
				return err
			}
			defer svcs.scheduler.Stop()

			// One immediate pass so overdue entries are not left waiting for
			// the first cron fire.
			if err := svcs.scheduler.Tick(cmd.Context()); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}
