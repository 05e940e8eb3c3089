// Package restart implements signal handling and the post-shutdown restart
// contract, spec.md §4.7/§9 C7.
package restart

import (
	"context"
	"os"
	"os/exec"
	"os/signal"

	"github.com/sirupsen/logrus"
)

// HelperPath is the external restart binary spec.md §6 names: "SIGINT ->
// graceful shutdown -> fork/exec /home/pi/InsightIoT/iot_ble_server/cmd_restart".
const HelperPath = "/home/pi/InsightIoT/iot_ble_server/cmd_restart"

// NotifyContext returns a context canceled on SIGINT, implementing spec.md
// §4.7's "SIGINT terminates the scheduler cleanly".
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

// Exec launches the restart helper as a detached process and releases it,
// so the daemon's own exit is not blocked waiting on the child. spec.md §9
// flags fork+exec as brittle and prefers "a distinguished exit code and
// [letting] the service manager restart" -- callers should gate this behind
// a flag (see cmd/bleserverd's --no-restart-exec) and favor the exit-code
// contract where an external supervisor is available.
func Exec(logger *logrus.Logger) error {
	cmd := exec.Command(HelperPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		logger.WithFields(logrus.Fields{"helper": HelperPath, "error": err}).Warn("restart helper exec failed")
		return err
	}
	return cmd.Process.Release()
}
