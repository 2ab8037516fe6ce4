package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-execs the current command line in its own session with the
// detach flags stripped, records the child's pid, and returns so the
// parent can exit. The child takes the normal serve path.
func daemonize(pidFile string, logFile string) error {
	if os.Getppid() == 1 {
		return errors.New("already detached from a terminal")
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	var args []string
	skipNext := false
	for _, arg := range os.Args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--detach":
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		args = append(args, arg)
	}

	// #nosec 204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detached daemon: %w", err)
	}

	// The child rewrites this with its own pid once serving, but writing it
	// here lets scripts read it as soon as this command returns.
	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
	}

	fmt.Printf("craftd detached with PID %d\n", cmd.Process.Pid)
	return nil
}

// writePidFile records the daemon pid for stop scripts and packaging.
func writePidFile(pidFile string, pid int) error {
	// #nosec 306
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
