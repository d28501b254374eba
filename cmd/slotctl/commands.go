package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sakuffo/slotctl/internal/cluster"
	"github.com/sakuffo/slotctl/internal/fan"
	"github.com/spf13/cobra"
)

func newPowerCommand(a *app, op cluster.Operation) *cobra.Command {
	var target cluster.Target

	short := "Power on nodes that are off"
	if op == cluster.Shutdown {
		short = "Halt and power off nodes that are on"
	}
	cmd := &cobra.Command{
		Use:   op.String(),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.dispatcher.Apply(cmd.Context(), op, target)
			if err != nil {
				return err
			}
			a.printer.Report(rep)
			if rep.Failed() {
				return errNodesFailed
			}
			return nil
		},
	}
	addTargetFlag(cmd.Flags(), &target)
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var (
		target   cluster.Target
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether nodes are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				statuses, err := a.dispatcher.Status(cmd.Context(), target)
				if err != nil {
					return err
				}
				a.printer.Status(statuses)
				return nil
			}

			a.dispatcher.Subscribe(func(e cluster.Event) {
				if e.Type == cluster.PowerChanged {
					a.printer.PowerChange(e)
				}
			})
			return a.dispatcher.Watch(cmd.Context(), target, interval)
		},
	}
	addTargetFlag(cmd.Flags(), &target)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep probing and print state changes until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "time between probes with --watch")
	return cmd
}

func newFanModeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "fan-mode enabled|disabled",
		Short:     "Hand the controller fan to the thermal governor, or take it back",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(fan.Enabled), string(fan.Disabled)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := fan.ParseMode(args[0])
			if err != nil {
				return err
			}
			return a.fan.SetMode(cmd.Context(), mode)
		},
	}
}

func newFanSpeedCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("fan-speed %d..%d", fan.MinSpeed, fan.MaxSpeed),
		Short: "Pin the controller fan speed (needs fan-mode disabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			speed, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q is not a number", fan.ErrInvalidSpeed, args[0])
			}
			return a.fan.SetSpeed(cmd.Context(), speed)
		},
	}
}

func newDiscoverCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List which configured nodes announce themselves over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config.Discovery
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = timeout
			}
			res, err := a.cluster.Discover(cmd.Context(), cfg, a.log)
			if err != nil {
				return err
			}
			a.printer.Discovery(res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to listen (default from config)")
	return cmd
}
