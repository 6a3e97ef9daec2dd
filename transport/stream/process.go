package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const defaultGracefulShutdownPeriod = 5 * time.Second

// SpawnConfig describes a worker subprocess.
type SpawnConfig struct {
	Path                   string        // Required, worker executable
	Args                   []string      // Optional
	Env                    []string      // Optional, defaults to the parent's environment
	Dir                    string        // Optional, defaults to the current directory
	Logger                 *slog.Logger  // Optional, defaults to slog.Default()
	GracefulShutdownPeriod time.Duration // Optional, defaults to 5s
}

// Process is a worker running as a subprocess, spoken to over its stdin and
// stdout. Its stderr is forwarded to the logger line by line.
type Process struct {
	*Client

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	logger   *slog.Logger
	grace    time.Duration
	stderrWg sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts the worker subprocess.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Process, error) {
	if cfg.Path == "" {
		return nil, errors.New("worker executable path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracefulShutdownPeriod
	if grace == 0 {
		grace = defaultGracefulShutdownPeriod
	}

	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", cfg.Path, err)
	}
	logger = logger.With("pid", cmd.Process.Pid)
	logger.Info("Worker process started", "path", cfg.Path)

	p := &Process{
		Client: NewClient(stdout, stdin, logger),
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		grace:  grace,
	}
	p.stderrWg.Add(1)
	go p.forwardStderr(stderr)
	return p, nil
}

func (p *Process) forwardStderr(r io.Reader) {
	defer p.stderrWg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Info("Worker output", "source", "stderr", "message", scanner.Text())
	}
}

// PID returns the worker's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Close ends the worker by closing its stdin, and kills it if it has not
// exited within the graceful shutdown period.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()

		select {
		case <-p.Client.Done():
		case <-time.After(p.grace):
			p.logger.Warn("Worker did not exit in time, killing it")
			p.cmd.Process.Kill()
			<-p.Client.Done()
		}
		p.stderrWg.Wait()

		if err := p.cmd.Wait(); err != nil {
			p.closeErr = fmt.Errorf("worker exited: %w", err)
		}
		p.logger.Info("Worker process exited")
	})
	return p.closeErr
}
