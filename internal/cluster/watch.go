package cluster

import (
	"context"
	"time"
)

// Watch probes the targeted nodes every interval until ctx ends and
// emits a PowerChanged event whenever a node's observed state differs
// from the previous round. The first round reports every node, with
// Previous set to Unknown.
func (d *Dispatcher) Watch(ctx context.Context, t Target, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	last := make(map[int]PowerState)
	if err := d.checkNodes(ctx, t, last); err != nil {
		return err
	}

	d.logger.Info("Watching power state of %s every %v", t, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Power watch stopping due to context cancellation")
			return nil
		case <-ticker.C:
			if err := d.checkNodes(ctx, t, last); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) checkNodes(ctx context.Context, t Target, last map[int]PowerState) error {
	statuses, err := d.Status(ctx, t)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		// Probes cut short by cancellation read as Off; don't report them.
		return nil
	}

	d.logger.Debug("Power check cycle for %d node(s)", len(statuses))
	now := time.Now()
	for _, st := range statuses {
		prev := last[st.Node.Slot]
		if prev == st.State {
			continue
		}
		last[st.Node.Slot] = st.State
		if prev != Unknown {
			d.logger.Warn("Slot %d (%s) changed from %v to %v", st.Node.Slot, st.Node.Hostname, prev, st.State)
		}
		d.notifySubscribers(Event{
			Type:      PowerChanged,
			Node:      st.Node,
			Previous:  prev,
			State:     st.State,
			Timestamp: now,
		})
	}
	return nil
}
