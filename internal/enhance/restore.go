package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Placeholders substituted in [CommandRestorer] arguments.
const (
	InPlaceholder  = "{in}"
	OutPlaceholder = "{out}"
)

// CommandRestorer runs an external restoration tool, for example
//
//	voicefixer --infile {in} --outfile {out}
//
// Every argument has {in} and {out} replaced by the file paths.
type CommandRestorer struct {
	Command []string
}

var _ Restorer = (*CommandRestorer)(nil)

// ParseCommand splits a whitespace separated command line into a
// [CommandRestorer]. It does not interpret quotes.
func ParseCommand(line string) (*CommandRestorer, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("enhance: empty restoration command")
	}
	return &CommandRestorer{Command: fields}, nil
}

// Restore implements [Restorer].
func (r *CommandRestorer) Restore(ctx context.Context, inPath, outPath string) error {
	if len(r.Command) == 0 {
		return errors.New("enhance: empty restoration command")
	}
	repl := strings.NewReplacer(InPlaceholder, inPath, OutPlaceholder, outPath)
	args := make([]string, len(r.Command)-1)
	for i, a := range r.Command[1:] {
		args[i] = repl.Replace(a)
	}

	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail != "" {
			return fmt.Errorf("enhance: %s: %w: %s", r.Command[0], err, detail)
		}
		return fmt.Errorf("enhance: %s: %w", r.Command[0], err)
	}
	return nil
}
