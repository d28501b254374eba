// Command slotctl powers compute modules in a slotted cluster chassis on
// and off through the chassis controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakuffo/slotctl/internal/cluster"
	"github.com/sakuffo/slotctl/internal/config"
	"github.com/sakuffo/slotctl/internal/fan"
	"github.com/sakuffo/slotctl/internal/gpio"
	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/sakuffo/slotctl/internal/probe"
	"github.com/sakuffo/slotctl/internal/remote"
	"github.com/sakuffo/slotctl/internal/report"
	"github.com/spf13/cobra"
)

const appName = "slotctl"

// errNodesFailed marks a run that finished with at least one failed node.
// Its details are already in the printed report.
var errNodesFailed = errors.New("one or more nodes failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		if !errors.Is(err, errNodesFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// options holds the global flags.
type options struct {
	configPath  string
	level       logger.Level
	logDir      string
	concurrency int
}

// app is everything a subcommand needs, built once per invocation from
// the loaded configuration.
type app struct {
	config     *config.Config
	log        *logger.DefaultLogger
	cluster    *cluster.Cluster
	dispatcher *cluster.Dispatcher
	fan        *fan.Controller
	printer    *report.Printer
}

func newRootCommand() (*cobra.Command, *app) {
	opts := &options{}
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Power cluster nodes on and off through the chassis controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+", then built-in defaults)")
	flags.Var(newLevelValue("info", &opts.level), "log-level", "log level (debug, info, warn, error, fatal)")
	flags.StringVar(&opts.logDir, "log-dir", "", "also write logs to a file in this directory")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "nodes sequenced at once for --node all (0 = all at once, 1 = one by one)")

	root.AddCommand(
		newPowerCommand(a, cluster.Boot),
		newPowerCommand(a, cluster.Shutdown),
		newStatusCommand(a),
		newFanModeCommand(a),
		newFanSpeedCommand(a),
		newDiscoverCommand(a),
	)
	return root, a
}

// setup loads configuration and wires the components together.
func (a *app) setup(cmd *cobra.Command, opts *options) error {
	log, err := logger.New(appName, logger.Options{Dir: opts.logDir, Level: opts.level})
	if err != nil {
		return err
	}
	a.log = log

	path := config.ResolvePath(opts.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("concurrency") {
		if opts.concurrency < 0 {
			return fmt.Errorf("--concurrency must not be negative")
		}
		cfg.Concurrency = opts.concurrency
	}
	if path == "" {
		log.Debug("No config file given, using built-in topology")
	} else {
		log.Debug("Loaded configuration from %s", path)
	}
	a.config = cfg

	c, err := cluster.NewCluster(cfg.Cluster)
	if err != nil {
		return err
	}
	a.cluster = c
	ctl := c.Controller()

	exec := remote.NewSSHExecutor(remote.Config{
		Port:           cfg.SSH.Port,
		KnownHostsPath: cfg.SSH.KnownHosts,
		IdentityFiles:  cfg.SSH.IdentityFiles,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	}, log)

	prober, err := probe.New(cfg.Probe.Method, cfg.Probe.Timeout, log)
	if err != nil {
		return err
	}

	relay := gpio.NewController(exec, gpio.ControllerConfig{
		User:       cfg.SSH.User,
		Host:       ctl.Hostname,
		Chip:       cfg.Controller.GPIOChip,
		PulseWidth: cfg.Controller.PulseWidth,
	}, log)

	seq := cluster.NewSequencer(cluster.SequencerConfig{
		User:        cfg.SSH.User,
		SettleDelay: cfg.Controller.SettleDelay,
		Timeout:     cfg.OperationTimeout,
	}, prober, relay, exec, log)

	a.dispatcher = cluster.NewDispatcher(c, seq, log, cfg.Concurrency)
	a.fan = fan.NewController(exec, fan.Config{
		User:      cfg.SSH.User,
		Host:      ctl.Hostname,
		ModePath:  cfg.Controller.FanModePath,
		SpeedPath: cfg.Controller.FanSpeedPath,
	}, log)
	a.printer = report.New(cmd.OutOrStdout())
	return nil
}

func (a *app) close() {
	if a.log != nil {
		if err := a.log.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "closing log file:", err)
		}
	}
}
