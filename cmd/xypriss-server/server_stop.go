package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running XyPriss server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath, _ := cmd.Flags().GetString("pid-file")
		timeoutMS, _ := cmd.Flags().GetInt("timeout")

		pid, err := readPIDFile(pidPath)
		if err != nil {
			return fmt.Errorf("failed to read pid file %s: %w", pidPath, err)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("process %d not found: %w", pid, err)
		}

		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", pid, err)
		}

		deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
		for time.Now().Before(deadline) {
			if !processAlive(proc) {
				fmt.Printf("server (pid %d) stopped\n", pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}

		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("graceful stop timed out and force-kill failed: %w", err)
		}
		fmt.Printf("server (pid %d) force-killed after %dms timeout\n", pid, timeoutMS)
		return nil
	},
}

func init() {
	serverStopCmd.Flags().String("pid-file", defaultPIDPath, "path to the running process's pid file")
	serverStopCmd.Flags().Int("timeout", 30000, "milliseconds to wait for graceful shutdown before force-killing")
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether pid still exists by sending the null
// signal, the portable way to probe process liveness on Unix.
func processAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}
