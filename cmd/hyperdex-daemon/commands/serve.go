package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/hyperdex/internal/daemon"
)

func runServe(cmd *cobra.Command, args []string) error {
	dataDir := v.GetString("data")
	if dataDir == "" {
		return fmt.Errorf("hyperdex-daemon: --data is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("hyperdex-daemon: create data dir: %w", err)
	}

	if !v.GetBool("foreground") {
		return daemonize(dataDir)
	}

	log := newLogger()

	cfg := daemon.Config{
		DataDir:         dataDir,
		CoordinatorAddr: v.GetString("coordinator"),
		Threads:         v.GetInt("threads"),
		ListenIP:        v.GetString("listen"),
		InPort:          uint16(v.GetUint("incoming")),
		OutPort:         uint16(v.GetUint("outgoing")),
		MetricsAddr:     v.GetString("metrics"),
	}

	d, err := daemon.New(log, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if pidFile := pidFilePath(dataDir); pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("hyperdex-daemon: write pid file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("starting", "data", dataDir, "coordinator", cfg.CoordinatorAddr,
		"listen", cfg.ListenIP, "in_port", cfg.InPort, "threads", cfg.Threads)
	return d.Run(ctx)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func pidFilePath(dataDir string) string {
	if p := v.GetString("pid-file"); p != "" {
		return p
	}
	return filepath.Join(dataDir, "hyperdex-daemon.pid")
}

func logFilePath(dataDir string) string {
	if p := v.GetString("log-file"); p != "" {
		return p
	}
	return filepath.Join(dataDir, "hyperdex-daemon.log")
}

// daemonize re-execs this binary with --foreground set and detaches it,
// mirroring marmos91-dittofs's cmd/dittofs/commands.startDaemon self-exec
// pattern rather than forking in-process (Go's runtime does not support
// classic fork-and-continue).
func daemonize(dataDir string) error {
	pidPath := pidFilePath(dataDir)
	if data, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("hyperdex-daemon: already running (pid %d)", pid)
				}
			}
		}
		os.Remove(pidPath)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("hyperdex-daemon: find executable: %w", err)
	}

	daemonArgs := append([]string{"--foreground"}, reconstructFlagArgs()...)
	cmd := exec.Command(executable, daemonArgs...)

	logFile, err := os.OpenFile(logFilePath(dataDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("hyperdex-daemon: open log file: %w", err)
	}
	defer logFile.Close()

	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("hyperdex-daemon: start daemon: %w", err)
	}

	fmt.Printf("hyperdex-daemon started in background (pid %d)\n", cmd.Process.Pid)
	fmt.Printf("  data:     %s\n", dataDir)
	fmt.Printf("  pid file: %s\n", pidFilePath(dataDir))
	fmt.Printf("  log file: %s\n", logFilePath(dataDir))
	return nil
}

// reconstructFlagArgs re-serializes every bound flag except --foreground so
// the daemonized child sees the same configuration as this invocation. Only
// flags actually passed on this command line are forwarded; values sourced
// purely from a HYPERDEX_* environment variable are not, since the child
// process inherits the parent's environment directly.
func reconstructFlagArgs() []string {
	var args []string
	for _, name := range []string{"data", "coordinator", "threads", "listen", "incoming", "outgoing", "metrics", "pid-file", "log-file"} {
		f := rootCmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		args = append(args, "--"+name, f.Value.String())
	}
	return args
}
