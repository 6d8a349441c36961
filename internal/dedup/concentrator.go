package dedup

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// DefaultWindow bounds the delivery skew between concentrators of one instance
const DefaultWindow = time.Minute

type ratchetEntry struct {
	station   string
	fCnt      uint32
	expiresAt time.Time
}

// ConcentratorDeduplication decides which concentrator owns an uplink when
// several stations attached to this instance deliver the same frame. The
// highest counter seen for a device always wins.
type ConcentratorDeduplication struct {
	entries *xsync.Map[lorawan.EUI64, ratchetEntry]
	window  time.Duration
	now     func() time.Time
}

// NewConcentratorDeduplication creates a ratchet whose entries expire after window
func NewConcentratorDeduplication(window time.Duration) *ConcentratorDeduplication {
	if window <= 0 {
		window = DefaultWindow
	}
	return &ConcentratorDeduplication{
		entries: xsync.NewMap[lorawan.EUI64, ratchetEntry](),
		window:  window,
		now:     time.Now,
	}
}

// IsDuplicate reports whether station's delivery of fCnt for devEUI is redundant.
//
//   - first observation, or fCnt above the stored counter: not a duplicate, station takes over
//   - fCnt equal to the stored counter: duplicate unless station is the stored one
//   - fCnt below the stored counter: duplicate
func (c *ConcentratorDeduplication) IsDuplicate(station string, fCnt uint32, devEUI lorawan.EUI64) bool {
	now := c.now()
	duplicate := false

	c.entries.Compute(devEUI, func(old ratchetEntry, loaded bool) (ratchetEntry, xsync.ComputeOp) {
		next := ratchetEntry{station: station, fCnt: fCnt, expiresAt: now.Add(c.window)}
		if !loaded || now.After(old.expiresAt) || fCnt > old.fCnt {
			return next, xsync.UpdateOp
		}
		if fCnt == old.fCnt && station == old.station {
			old.expiresAt = next.expiresAt
			return old, xsync.UpdateOp
		}
		duplicate = true
		return old, xsync.CancelOp
	})

	if duplicate {
		metrics.DuplicatesTotal.WithLabelValues("concentrator", "drop").Inc()
	}
	return duplicate
}

// Forget drops the entry of a device, used after a join resets its counters
func (c *ConcentratorDeduplication) Forget(devEUI lorawan.EUI64) {
	c.entries.Delete(devEUI)
}

// Reset drops every entry
func (c *ConcentratorDeduplication) Reset() {
	c.entries.Clear()
}

// Len returns the number of tracked devices
func (c *ConcentratorDeduplication) Len() int {
	return c.entries.Size()
}

// Sweep removes expired entries and returns how many were removed
func (c *ConcentratorDeduplication) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(eui lorawan.EUI64, _ ratchetEntry) bool {
		c.entries.Compute(eui, func(e ratchetEntry, loaded bool) (ratchetEntry, xsync.ComputeOp) {
			if loaded && now.After(e.expiresAt) {
				removed++
				return e, xsync.DeleteOp
			}
			return e, xsync.CancelOp
		})
		return true
	})
	return removed
}

// Run sweeps expired entries every window until ctx is done
func (c *ConcentratorDeduplication) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Int("remaining", c.Len()).Msg("Swept concentrator dedup entries")
			}
		}
	}
}
