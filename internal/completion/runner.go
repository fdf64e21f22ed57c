package completion

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
)

// Runner performs the annotation of one staged input
type Runner interface {
	Run(ctx context.Context, inputPath string) error
}

// CommandRunner runs an external annotation command with the input path as
// its last argument, inside the input's directory.
type CommandRunner struct {
	Command []string
	Logger  *slog.Logger
}

// Run executes the command and waits for it
func (r *CommandRunner) Run(ctx context.Context, inputPath string) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("annotation command is not configured")
	}

	args := append(append([]string{}, r.Command[1:]...), inputPath)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	cmd.Dir = filepath.Dir(inputPath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		r.Logger.Error("Annotation command failed",
			slog.String("input", inputPath),
			slog.String("output", tail(output, 2048)),
			slog.Any("error", err),
		)
		return fmt.Errorf("annotation command failed: %w", err)
	}

	r.Logger.Debug("Annotation command finished",
		slog.String("input", inputPath),
		slog.Int("output_bytes", len(output)),
	)
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
