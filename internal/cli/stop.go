package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running conductor serve",
	Long: `Ask the running server to shut down with SIGTERM. The server drains
in-flight RPCs and terminates its workers; if it is still alive after
--timeout it is killed.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "timeout", 30*time.Second, "grace period before SIGKILL")
	rootCmd.AddCommand(stopCmd)
}

var errNotRunning = errors.New("conductor is not running")

func runStop(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		return errNotRunning
	}
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	out := cmd.OutOrStdout()
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	if waitExit(pidFile, stopGrace) {
		fmt.Fprintf(out, "Stopped conductor (pid %d)\n", pid)
		return nil
	}

	fmt.Fprintf(out, "Still running after %s, killing pid %d\n", stopGrace, pid)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	// A killed server cannot remove its own PID file.
	_ = os.Remove(pidFile)
	return nil
}

// waitExit polls until the process behind pidFile is gone or grace elapses.
func waitExit(pidFile string, grace time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(grace)
	for {
		if !isRunning(pidFile) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return !isRunning(pidFile)
		}
	}
}
