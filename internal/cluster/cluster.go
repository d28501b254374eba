package cluster

import (
	"errors"
	"fmt"

	"github.com/sakuffo/slotctl/internal/config"
)

// ControllerSlot is the slot of the always-on controller node.
const ControllerSlot = config.ControllerSlot

// Cluster is the static topology: an ordered node list and the
// management address. It is built once and only read afterwards, so it
// is safe to share between goroutines.
type Cluster struct {
	address string
	nodes   []Node
	bySlot  map[int]int
}

// NewCluster builds a Cluster from configuration, checking that slots are
// unique, that slot 1 holds the controller, and that every model is known.
//
// Example:
//
//	cfg, err := config.Load(config.ResolvePath(flagPath))
//	...
//	c, err := cluster.NewCluster(cfg.Cluster)
func NewCluster(cfg config.ClusterConfig) (*Cluster, error) {
	c := &Cluster{
		address: cfg.Address,
		nodes:   make([]Node, 0, len(cfg.Nodes)),
		bySlot:  make(map[int]int, len(cfg.Nodes)),
	}

	var errs []error
	for _, nc := range cfg.Nodes {
		model, err := ParseModel(nc.Model)
		if err != nil {
			errs = append(errs, fmt.Errorf("slot %d (%s): %w", nc.Slot, nc.Hostname, err))
			continue
		}
		if _, dup := c.bySlot[nc.Slot]; dup {
			errs = append(errs, fmt.Errorf("slot %d defined twice", nc.Slot))
			continue
		}
		c.bySlot[nc.Slot] = len(c.nodes)
		c.nodes = append(c.nodes, Node{
			Hostname: nc.Hostname,
			Address:  nc.Address,
			Model:    model,
			Slot:     nc.Slot,
		})
	}
	if _, ok := c.bySlot[ControllerSlot]; !ok {
		errs = append(errs, fmt.Errorf("no controller node in slot %d", ControllerSlot))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid cluster topology: %w", errors.Join(errs...))
	}
	return c, nil
}

// Address is the cluster's management address.
func (c *Cluster) Address() string { return c.address }

// Nodes returns every node in topology order.
func (c *Cluster) Nodes() []Node {
	return append([]Node(nil), c.nodes...)
}

// Targets returns every node power operations may act on: all nodes but
// the controller, in topology order.
func (c *Cluster) Targets() []Node {
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if !n.IsController() {
			out = append(out, n)
		}
	}
	return out
}

// Node looks a node up by slot.
func (c *Cluster) Node(slot int) (Node, error) {
	i, ok := c.bySlot[slot]
	if !ok {
		return Node{}, fmt.Errorf("slot %d: %w", slot, ErrNodeNotFound)
	}
	return c.nodes[i], nil
}

// Controller returns the controller node.
func (c *Cluster) Controller() Node {
	return c.nodes[c.bySlot[ControllerSlot]]
}
