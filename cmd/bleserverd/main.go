package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/insightiot/bleserverd/internal/ble"
	"github.com/insightiot/bleserverd/internal/clock"
	"github.com/insightiot/bleserverd/internal/config"
	"github.com/insightiot/bleserverd/internal/ctrllink"
	"github.com/insightiot/bleserverd/internal/daemon"
	"github.com/insightiot/bleserverd/internal/restart"
	"github.com/insightiot/bleserverd/internal/roster"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "bleserverd",
	Short:   "BLE fleet connector daemon",
	Version: version,
	Long: `bleserverd is a long-running supervisor that maintains persistent
Bluetooth Low Energy GATT sessions to a fleet of enrolled peripheral
devices, polls each on its own cadence, forwards notifications to a local
control link, and accepts new enrollments from that same link.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("config", config.DefaultConfigPath, "Path to the maintenance-window config file")
	flags.String("device-list", "/etc/coint/slave_list.txt", "Path to the persisted device list")
	flags.String("ctrl-addr", "127.0.0.1:1337", "Control-link backend address")
	flags.Int64("maintenance-ms", 0, "Override the maintenance window in ms (0 = use config file)")
	flags.Bool("no-restart-exec", false, "Skip exec'ing the restart helper on normal exit (for testing)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	printBanner()

	configPath, _ := cmd.Flags().GetString("config")
	devicePath, _ := cmd.Flags().GetString("device-list")
	ctrlAddr, _ := cmd.Flags().GetString("ctrl-addr")
	maintenanceOverrideMS, _ := cmd.Flags().GetInt64("maintenance-ms")
	noRestartExec, _ := cmd.Flags().GetBool("no-restart-exec")

	cfg := config.Load(configPath, logger)
	if maintenanceOverrideMS > 0 {
		cfg.MaintenanceMS = maintenanceOverrideMS
	}
	cfg.CtrlLinkAddr = ctrlAddr

	clk := clock.New()
	rost := roster.New(devicePath)
	link := ctrllink.New(cfg.CtrlLinkAddr, logger)

	adapter, err := ble.NewGoBLEAdapter(logger, cfg.BLECallTimeout())
	if err != nil {
		return fmt.Errorf("opening bluetooth adapter: %w", err)
	}

	d := daemon.New(cfg, clk, rost, link, adapter, logger)
	if err := d.Start(devicePath); err != nil {
		if errors.Is(err, daemon.ErrSlaveFileMissing) {
			logger.WithField("path", devicePath).Error("device list file missing, cannot start")
			os.Exit(1)
		}
		return err
	}

	logger.WithFields(map[string]any{
		"devices":        rost.Len(),
		"ctrl_addr":      cfg.CtrlLinkAddr,
		"maintenance_ms": cfg.MaintenanceMS,
	}).Info("bleserverd starting")

	ctx, cancel := restart.NotifyContext(context.Background())
	defer cancel()

	runErr := d.Run(ctx)
	if runErr != nil && !errors.Is(runErr, daemon.ErrMaintenanceReboot) {
		return runErr
	}
	if runErr != nil {
		logger.Info("maintenance reboot due, restarting")
	} else {
		logger.Info("shutdown requested, exiting")
	}

	if !noRestartExec {
		if err := restart.Exec(logger); err != nil {
			logger.WithField("error", err).Warn("failed to launch restart helper")
		}
	}
	return nil
}
