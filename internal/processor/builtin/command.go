package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/pkg/logger"
)

var cmdLog = logger.Get("CommandProc")

// DefaultScratchRoot is where command runners place their per-run
// scratch directories. The reconciler sweeps this tree for directories
// orphaned by a crash.
var DefaultScratchRoot = filepath.Join(os.TempDir(), "sift-scratch")

type (
	// CommandOptions configures the generic subprocess runner. Args may
	// contain the placeholders {input}, {output} and {scratch} which are
	// substituted per run.
	CommandOptions struct {
		Command        string   `mapstructure:"command" validate:"required"`
		Args           []string `mapstructure:"args"`
		ScratchRoot    string   `mapstructure:"scratch_root"`
		TimeoutSeconds int      `mapstructure:"timeout_seconds" validate:"gte=0"`
		CostPerByte    float64  `mapstructure:"cost_per_byte"`
	}

	commandRunner struct {
		opts CommandOptions
	}
)

// NewCommandRunner builds a runner which shells out to an external
// program. The program is expected to write its result to the output
// placeholder path; anything it leaves in its scratch directory is
// removed after the run.
func NewCommandRunner(raw map[string]interface{}) (processor.Runner, error) {
	opts := CommandOptions{ScratchRoot: DefaultScratchRoot}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}

	return &commandRunner{opts: opts}, nil
}

func (runner *commandRunner) Run(ctx context.Context, inputPath string, outputPath string) error {
	scratch, err := runner.makeScratchDir()
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if runner.opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(runner.opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := make([]string, len(runner.opts.Args))
	for i, arg := range runner.opts.Args {
		arg = strings.ReplaceAll(arg, "{input}", inputPath)
		arg = strings.ReplaceAll(arg, "{output}", outputPath)
		arg = strings.ReplaceAll(arg, "{scratch}", scratch)
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, runner.opts.Command, args...)
	cmd.Dir = scratch

	cmdLog.Debugf("Running %s with args %v (scratch=%s)\n", runner.opts.Command, args, scratch)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("%s failed: %w: %s", runner.opts.Command, err, truncate(string(output), 512))
	}

	return nil
}

func (runner *commandRunner) EstimateCost(inputPath string) float64 {
	if runner.opts.CostPerByte == 0 {
		return 0
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return 0
	}

	return float64(info.Size()) * runner.opts.CostPerByte
}

func (runner *commandRunner) makeScratchDir() (string, error) {
	if err := os.MkdirAll(runner.opts.ScratchRoot, 0o755); err != nil {
		return "", err
	}

	return os.MkdirTemp(runner.opts.ScratchRoot, fmt.Sprintf("run-%d-", time.Now().UnixNano()))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max] + "..."
}
