package plugin

import (
	"log/slog"

	"github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/source"
	"github.com/strawlab/microfview/state"
)

// Chain is an ordered composite of plugins exposed through the same Plugin
// contract. Children execute in registration order within the caller's push,
// so later children observe earlier children's contributions in the same
// tick. A child signaling completion is removed without aborting the
// remaining children; the chain itself finishes once it holds no children.
type Chain struct {
	name     string
	logger   *slog.Logger
	children []Plugin
}

// NewChain creates an inline chain over the given children. For a chain that
// runs its whole child sequence on a dedicated goroutine, see AsWorker.
func NewChain(name string, logger *slog.Logger, children ...Plugin) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		name:     name,
		logger:   logger,
		children: append([]Plugin(nil), children...),
	}
}

// AsWorker wraps the chain in a Worker so the whole child sequence is
// offloaded without stalling the tick loop. Child errors, including the
// completion signal, are carried through the worker's result slot and
// surface on the scheduler goroutine at the next push.
func (c *Chain) AsWorker(logger *slog.Logger) *Worker {
	return NewWorker(c, logger, WithErrorPropagation())
}

// Identifier implements Plugin.
func (c *Chain) Identifier() string { return c.name }

// Every implements Plugin. The chain itself runs every tick; each child is
// gated by its own period within the chain's push.
func (c *Chain) Every() int { return 1 }

// RequiresColor implements Plugin: the chain needs color if any child does.
func (c *Chain) RequiresColor() bool {
	for _, child := range c.children {
		if child.RequiresColor() {
			return true
		}
	}
	return false
}

// ShowsUI implements Plugin: the chain shows UI if any child does.
func (c *Chain) ShowsUI() bool {
	for _, child := range c.children {
		if child.ShowsUI() {
			return true
		}
	}
	return false
}

// Len returns the number of remaining children.
func (c *Chain) Len() int { return len(c.children) }

// Start implements Plugin. Children start in registration order; if one
// fails, the already-started children are stopped so no Start is left
// without a matching Stop.
func (c *Chain) Start(info source.Info) error {
	for i, child := range c.children {
		if err := child.Start(info); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := c.children[j].Stop(); stopErr != nil {
					c.logger.Error("chain child stop failed during start rollback",
						"chain", c.name,
						"plugin", c.children[j].Identifier(),
						"error", stopErr)
				}
			}
			return errors.Wrap(err, "Chain", "Start", child.Identifier())
		}
	}
	return nil
}

// Push implements Plugin. It threads the tick through the children in order,
// merging each contribution into the tick's state so later children observe
// it, and returns the combined contribution.
//
// The caller merges the returned delta into the same state again; that is
// safe because overwrite keys are idempotent and accumulating keys suppress
// duplicates.
func (c *Chain) Push(t Tick) (Result, error) {
	combined := make(state.Delta)
	buf := t.Frame
	replaced := false

	var finished []int
	for i, child := range c.children {
		if t.Seq%int64(child.Every()) != 0 {
			continue
		}

		childTick := t
		childTick.Frame = buf

		res, err := child.Push(childTick)
		if err != nil {
			return NoUpdate(), errors.Wrap(err, "Chain", "Push", child.Identifier())
		}

		switch res.Kind {
		case KindFinished:
			finished = append(finished, i)
		case KindBusy, KindNoUpdate:
			// Nothing to merge.
		default:
			if res.HasFrame() {
				buf = res.Frame
				replaced = true
			}
			if res.HasDelta() {
				t.State.Merge(res.Delta)
				for k, v := range res.Delta {
					combined[k] = v
				}
			}
		}
	}

	c.remove(finished)

	if len(c.children) == 0 {
		return Finished(), nil
	}

	switch {
	case replaced && len(combined) > 0:
		return WithFrameAndDelta(buf, combined), nil
	case replaced:
		return WithFrame(buf), nil
	case len(combined) > 0:
		return WithDelta(combined), nil
	default:
		return NoUpdate(), nil
	}
}

// Stop implements Plugin. Every remaining child is stopped exactly once;
// the first error is reported after all children were attempted.
func (c *Chain) Stop() error {
	var firstErr error
	for _, child := range c.children {
		if err := child.Stop(); err != nil {
			c.logger.Error("chain child stop failed",
				"chain", c.name,
				"plugin", child.Identifier(),
				"error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Chain", "Stop", child.Identifier())
			}
		}
	}
	c.children = nil
	return firstErr
}

// remove drops the children at the given indices, stopping each exactly
// once. Indices are ascending as produced by Push.
func (c *Chain) remove(indices []int) {
	for n := len(indices) - 1; n >= 0; n-- {
		i := indices[n]
		child := c.children[i]

		c.logger.Info("chain child finished",
			"chain", c.name,
			"plugin", child.Identifier())

		if err := child.Stop(); err != nil {
			c.logger.Error("chain child stop failed",
				"chain", c.name,
				"plugin", child.Identifier(),
				"error", err)
		}

		c.children = append(c.children[:i], c.children[i+1:]...)
	}
}
