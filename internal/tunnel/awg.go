package tunnel

import (
	"context"
	"slices"

	"github.com/wiregate/wiregate/internal/model"
)

// JunkSlots are the AmneziaWG interface keys that carry CPS patterns.
var JunkSlots = []string{"I1", "I2", "I3", "I4", "I5"}

// AWGSlots returns the non-empty junk-packet slots of the interface.
func (c *Controller) AWGSlots() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(JunkSlots))
	for _, k := range JunkSlots {
		if v := c.file.Interface.AWG[k]; v != "" {
			out[k] = v
		}
	}
	return out
}

// SetAWGSlot rewrites one junk-packet slot. The interface is cycled when it
// was up, since the slots are only read when it is created.
func (c *Controller) SetAWGSlot(ctx context.Context, slot, pattern string) error {
	if c.protocol != model.ProtocolAWG {
		return model.Conflict("set awg slot", "tunnel %s is not an AmneziaWG tunnel", c.name)
	}
	if !slices.Contains(JunkSlots, slot) {
		return model.Invalid("set awg slot", "unknown slot %q", slot)
	}
	err := c.Replace(ctx, func(ctx context.Context) error {
		f, err := c.loadFile()
		if err != nil {
			return err
		}
		if f.Interface.AWG == nil {
			f.Interface.AWG = map[string]string{}
		}
		f.Interface.AWG[slot] = pattern
		return f.Save(c.confPath)
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("tunnel", c.name).Str("slot", slot).Msg("junk slot rewritten")
	return nil
}
