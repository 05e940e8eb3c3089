// Package daemon binds every other component into the master tick loop,
// spec.md §4.6/§2 C6: a single-threaded, cooperative scheduler that pumps
// the control link, checks the maintenance deadline, drives due supervisors
// forward, and sweeps for staleness.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/insightiot/bleserverd/internal/ble"
	"github.com/insightiot/bleserverd/internal/clock"
	"github.com/insightiot/bleserverd/internal/config"
	"github.com/insightiot/bleserverd/internal/ctrllink"
	"github.com/insightiot/bleserverd/internal/roster"
	"github.com/insightiot/bleserverd/internal/supervisor"
)

// ErrMaintenanceReboot signals the scheduled self-restart, spec.md §4.6 step
// 2 / §4.7. Run returns it to distinguish a scheduled restart from a
// context-canceled (SIGINT) shutdown; both tear down every live session and
// both exit 0 (spec.md §6).
var ErrMaintenanceReboot = errors.New("maintenance reboot due")

// ErrSlaveFileMissing is returned from Start when the persisted device list
// cannot be read at all, spec.md §6's exit-code-1 startup failure. An
// existing-but-empty file is not a failure: see DESIGN.md for why an empty
// roster populated entirely by control-link enrollment (spec.md §8 scenario
// 2) must be able to start.
var ErrSlaveFileMissing = errors.New("slave list file missing")

const defaultTickInterval = 200 * time.Millisecond

// Daemon owns the roster, control link, clock and one supervisor per
// enrolled device -- the "actor-with-state" spec.md §9 asks the rewrite to
// bind the original's file-scope globals into.
type Daemon struct {
	cfg     *config.Config
	clk     clock.Clock
	roster  *roster.Roster
	link    *ctrllink.Link
	adapter ble.Adapter
	logger  *logrus.Logger

	supervisors map[string]*supervisor.Supervisor

	tickInterval time.Duration
}

// New builds a Daemon. Start must be called once before Run.
func New(cfg *config.Config, clk clock.Clock, rost *roster.Roster, link *ctrllink.Link, adapter ble.Adapter, logger *logrus.Logger) *Daemon {
	return &Daemon{
		cfg:          cfg,
		clk:          clk,
		roster:       rost,
		link:         link,
		adapter:      adapter,
		logger:       logger,
		supervisors:  make(map[string]*supervisor.Supervisor),
		tickInterval: defaultTickInterval,
	}
}

// SetTickInterval overrides the pause between scheduler passes. Tests use
// this to drive many ticks quickly; production leaves the default.
func (d *Daemon) SetTickInterval(interval time.Duration) {
	d.tickInterval = interval
}

// Start loads the persisted device list and builds a supervisor for every
// record it contains, spec.md §2 C8.
func (d *Daemon) Start(devicePath string) error {
	_, err := d.roster.LoadFromFile(devicePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSlaveFileMissing, err)
	}

	d.roster.Range(func(rec *roster.Record) bool {
		d.addSupervisor(rec)
		return true
	})
	return nil
}

func (d *Daemon) addSupervisor(rec *roster.Record) {
	d.supervisors[rec.Address] = supervisor.New(
		rec, d.adapter, d.link, d.roster, d.clk, d.cfg.BLECallTimeout(), d.logger,
	)
}

// RunOnce performs exactly one pass of spec.md §4.6's four tick steps. It is
// exported so scenario tests can drive the scheduler deterministically
// instead of racing Run's own timer.
func (d *Daemon) RunOnce(ctx context.Context) error {
	// Step 1: pump the control link.
	enrollments, err := d.link.Pump()
	if err != nil {
		d.logger.WithField("error", err).Warn("ctrl link pump failed")
	}
	for _, e := range enrollments {
		d.enroll(e)
	}

	// Step 2: maintenance deadline.
	now := d.clk.NowMS64()
	if now >= d.cfg.MaintenanceMS {
		return ErrMaintenanceReboot
	}

	// Step 3: due-time dispatch, in roster order (spec.md §5: "Across
	// devices, actions interleave in roster order").
	d.roster.Range(func(rec *roster.Record) bool {
		sup := d.supervisors[rec.Address]
		if sup != nil && sup.Due(now) {
			sup.Tick(ctx, now)
		}
		return true
	})

	// Step 4: staleness sweep.
	d.roster.Range(func(rec *roster.Record) bool {
		if sup := d.supervisors[rec.Address]; sup != nil {
			sup.Sweep(now)
		}
		return true
	})

	return nil
}

// enroll adds a control-link-sourced device to the roster, spec.md §4.4: "If
// the roster was loaded from file, ingress enrollments are ignored."
func (d *Daemon) enroll(e ctrllink.Enrollment) {
	if d.roster.LoadedFromFile() {
		return
	}
	rec, err := d.roster.Add(e.MAC, e.HoldingMS)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"mac": e.MAC, "error": err}).Info("enrollment rejected")
		return
	}
	d.addSupervisor(rec)
}

// Run drives RunOnce until ctx is canceled or a maintenance reboot is due,
// tearing down every live session on either exit. A nil return means ctx
// was canceled (SIGINT); ErrMaintenanceReboot means the scheduled restart
// fired. Both are "tear down every live session, exit 0" at the cmd layer.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.RunOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.tickInterval):
		}
	}
}

func (d *Daemon) teardown() {
	for _, sup := range d.supervisors {
		sup.Shutdown()
	}
	_ = d.link.Close()
}
