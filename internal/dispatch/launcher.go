package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Launch describes one annotation run
type Launch struct {
	JobID     string
	UserID    string
	InputPath string
}

// Launcher starts the annotation run for a staged input without waiting
// for it to finish.
type Launcher interface {
	Launch(ctx context.Context, l Launch) error
}

// ProcessLauncher starts the runner binary as a child process. The child
// outlives the message that launched it; its output goes to run.log next to
// the input.
type ProcessLauncher struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

// Launch starts the process and reaps it in the background
func (p *ProcessLauncher) Launch(_ context.Context, l Launch) error {
	args := append([]string{}, p.Args...)
	args = append(args, "-job", l.JobID, "-user", l.UserID, "-input", l.InputPath)

	logPath := filepath.Join(filepath.Dir(l.InputPath), "run.log")
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}

	// Not bound to the handler context: the run continues after the message
	// is acked and across worker shutdown.
	cmd := exec.Command(p.Path, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return fmt.Errorf("failed to start %s: %w", p.Path, err)
	}

	p.Logger.Info("Annotation run launched",
		slog.String("job_id", l.JobID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("input", l.InputPath),
	)

	go func() {
		err := cmd.Wait()
		out.Close()
		if err != nil {
			p.Logger.Warn("Annotation run exited with error",
				slog.String("job_id", l.JobID),
				slog.Any("error", err),
			)
			return
		}
		p.Logger.Debug("Annotation run exited", slog.String("job_id", l.JobID))
	}()

	return nil
}
