package main

import (
	"fmt"

	"github.com/sakuffo/slotctl/internal/cluster"
	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/spf13/pflag"
)

// targetValue is a pflag.Value selecting "all" or one slot number.
type targetValue struct {
	target *cluster.Target
}

func newTargetValue(def cluster.Target, p *cluster.Target) *targetValue {
	*p = def
	return &targetValue{target: p}
}

func (v *targetValue) String() string {
	if v.target == nil {
		return cluster.All().String()
	}
	return v.target.String()
}

func (v *targetValue) Set(s string) error {
	t, err := cluster.ParseTarget(s)
	if err != nil {
		return err
	}
	*v.target = t
	return nil
}

func (v *targetValue) Type() string { return "all|slot" }

// addTargetFlag registers --node/-n on fs, defaulting to every node.
func addTargetFlag(fs *pflag.FlagSet, p *cluster.Target) {
	fs.VarP(newTargetValue(cluster.All(), p), "node", "n", `node to act on: "all" or a slot number`)
}

// levelValue is a pflag.Value holding a log level name.
type levelValue struct {
	level *logger.Level
	name  string
}

func newLevelValue(def string, p *logger.Level) *levelValue {
	*p = logger.ParseLevel(def)
	return &levelValue{level: p, name: def}
}

func (v *levelValue) String() string { return v.name }

func (v *levelValue) Set(s string) error {
	switch s {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q (want debug, info, warn, error or fatal)", s)
	}
	v.name = s
	*v.level = logger.ParseLevel(s)
	return nil
}

func (v *levelValue) Type() string { return "level" }

var (
	_ pflag.Value = (*targetValue)(nil)
	_ pflag.Value = (*levelValue)(nil)
)
