package bundler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// shellMeta lists characters refused in post-build commands. Commands are
// executed directly, never through a shell.
const shellMeta = ";&|`$<>\n"

// CommandRunner runs the optional post-build command in the dist directory.
type CommandRunner struct {
	command string
	args    []string
}

// NewCommandRunner parses a command line such as "tailwindcss -o app.css".
// An empty line yields a nil runner.
func NewCommandRunner(line string) (*CommandRunner, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	r := &CommandRunner{command: fields[0], args: fields[1:]}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// String returns the command line.
func (r *CommandRunner) String() string {
	return strings.Join(append([]string{r.command}, r.args...), " ")
}

// Run executes the command with dir as working directory.
func (r *CommandRunner) Run(ctx context.Context, dir string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("%s timed out: %w", r.command, ctx.Err())
		}
		return output, fmt.Errorf("%s failed: %w\nOutput: %s", r.command, err, output)
	}
	return output, nil
}

func (r *CommandRunner) validate() error {
	for _, part := range append([]string{r.command}, r.args...) {
		if strings.ContainsAny(part, shellMeta) {
			return fmt.Errorf("invalid argument %q: shell metacharacters are not allowed", part)
		}
	}
	return nil
}
