package callback

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/sgl-project/sft-agent/pkg/logging"
)

// Slot names the position a callback occupies in a Chain.
type Slot string

const (
	SlotLogging    Slot = "logging"
	SlotController Slot = "controller"
	SlotTracker    Slot = "tracker"
	SlotCustom     Slot = "custom"
)

var slotRank = map[Slot]int{
	SlotLogging:    0,
	SlotController: 1,
	SlotTracker:    2,
	SlotCustom:     3,
}

type entry struct {
	slot     Slot
	callback Callback
}

// Chain is an ordered set of callbacks. Dispatch always reaches every callback;
// an error from one is collected and never prevents the others from running.
type Chain struct {
	entries []entry
	logger  logging.Interface
}

// NewChain creates an empty chain that reports dispatch failures to logger.
func NewChain(logger logging.Interface) *Chain {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Chain{logger: logger}
}

// Register places cb in slot. Entries are kept ordered by slot
// (logging, controller, tracker, custom) and by registration order within a slot.
// A nil callback is ignored so optional slots can be registered unconditionally.
func (c *Chain) Register(slot Slot, cb Callback) error {
	if cb == nil {
		return nil
	}
	if _, ok := slotRank[slot]; !ok {
		return fmt.Errorf("unknown callback slot %q", slot)
	}
	c.entries = append(c.entries, entry{slot: slot, callback: cb})
	sort.SliceStable(c.entries, func(i, j int) bool {
		return slotRank[c.entries[i].slot] < slotRank[c.entries[j].slot]
	})
	return nil
}

// Len returns the number of registered callbacks.
func (c *Chain) Len() int { return len(c.entries) }

// Names returns the callback names in dispatch order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.callback.Name())
	}
	return names
}

// Callbacks returns the callbacks in dispatch order.
func (c *Chain) Callbacks() []Callback {
	out := make([]Callback, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.callback)
	}
	return out
}

func (c *Chain) dispatch(event string, fn func(Callback) error) error {
	var result *multierror.Error
	for _, e := range c.entries {
		if err := fn(e.callback); err != nil {
			c.logger.WithField("callback", e.callback.Name()).
				WithField("event", event).
				WithError(err).
				Warn("callback failed")
			result = multierror.Append(result, fmt.Errorf("%s %s: %w", e.callback.Name(), event, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *Chain) OnTrainBegin(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_train_begin", func(cb Callback) error { return cb.OnTrainBegin(args, state, control) })
}

func (c *Chain) OnTrainEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_train_end", func(cb Callback) error { return cb.OnTrainEnd(args, state, control) })
}

func (c *Chain) OnEpochBegin(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_epoch_begin", func(cb Callback) error { return cb.OnEpochBegin(args, state, control) })
}

func (c *Chain) OnEpochEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_epoch_end", func(cb Callback) error { return cb.OnEpochEnd(args, state, control) })
}

func (c *Chain) OnStepEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_step_end", func(cb Callback) error { return cb.OnStepEnd(args, state, control) })
}

func (c *Chain) OnLog(args *RunArgs, state *TrainerState, control *TrainerControl, logs Logs) error {
	return c.dispatch("on_log", func(cb Callback) error { return cb.OnLog(args, state, control, logs) })
}

func (c *Chain) OnEvaluate(args *RunArgs, state *TrainerState, control *TrainerControl, metrics Logs) error {
	return c.dispatch("on_evaluate", func(cb Callback) error { return cb.OnEvaluate(args, state, control, metrics) })
}

func (c *Chain) OnSave(args *RunArgs, state *TrainerState, control *TrainerControl) error {
	return c.dispatch("on_save", func(cb Callback) error { return cb.OnSave(args, state, control) })
}
