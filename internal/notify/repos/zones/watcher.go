package zones

import (
	"context"
	"time"

	"github.com/hexdns/notifyd/internal/notify/common/log"
	"github.com/hexdns/notifyd/internal/notify/domain"
)

// ChangeFunc is invoked when a zone's SOA serial advances.
type ChangeFunc func(zone string, soa domain.SOA)

// Watcher polls a zone directory and raises a change callback whenever a
// zone's serial advances past the last one seen. Reload forces an
// immediate sweep (wired to SIGHUP by the daemon).
type Watcher struct {
	dir      string
	interval time.Duration
	logger   log.Logger
	onChange ChangeFunc

	serials  map[string]uint32
	reloadCh chan struct{}
}

// NewWatcher creates a watcher over dir that invokes onChange for every
// serial advance. interval <= 0 defaults to 10 seconds.
func NewWatcher(dir string, interval time.Duration, logger log.Logger, onChange ChangeFunc) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Watcher{
		dir:      dir,
		interval: interval,
		logger:   logger,
		onChange: onChange,
		serials:  make(map[string]uint32),
		reloadCh: make(chan struct{}, 1),
	}
}

// Prime records the serials of the initially loaded zones so startup does
// not fire a change for every zone.
func (w *Watcher) Prime(zones []Zone) {
	for _, z := range zones {
		w.serials[z.Apex] = z.SOA.Serial
	}
}

// Reload requests an immediate sweep outside the poll interval.
func (w *Watcher) Reload() {
	select {
	case w.reloadCh <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Sweeps run on this goroutine
// only, so serial bookkeeping needs no locking.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		case <-w.reloadCh:
			w.sweep()
		}
	}
}

// sweep reloads the zone directory and fires the callback for every zone
// whose serial advanced. Parse failures skip the sweep without touching
// recorded serials, so a half-written file cannot raise a bogus change.
func (w *Watcher) sweep() {
	zones, err := LoadDirectory(w.dir)
	if err != nil {
		w.logger.Warn(map[string]any{
			"dir":   w.dir,
			"error": err.Error(),
		}, "Zone reload failed, keeping previous state")
		return
	}

	for _, z := range zones {
		last, seen := w.serials[z.Apex]
		if !seen {
			// Zones appearing after startup have no registered session;
			// they take effect on the next daemon restart.
			w.logger.Warn(map[string]any{
				"zone": z.Apex,
			}, "New zone file ignored until restart")
			w.serials[z.Apex] = z.SOA.Serial
			continue
		}
		if serialNewer(last, z.SOA.Serial) {
			w.logger.Info(map[string]any{
				"zone":       z.Apex,
				"old_serial": last,
				"new_serial": z.SOA.Serial,
			}, "Detected SOA serial change")
			w.serials[z.Apex] = z.SOA.Serial
			w.onChange(z.Apex, z.SOA)
		}
	}
}

// serialNewer compares zone serials in RFC 1982 sequence space, so a
// serial that wraps past 2^32 still counts as an advance.
func serialNewer(old, new uint32) bool {
	return new != old && (new-old) < 1<<31
}
