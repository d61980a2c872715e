package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ScriptRunner interprets the task instruction as a small line-oriented
// script. It is deterministic, which makes it the runner of choice for
// tests and for offline runs of the CLI.
//
//	call <op> <json args>   invoke a tool, output is appended to the result
//	try <op> <json args>    like call, but a tool failure is recorded and skipped
//	say <text>              append text to the result
//	sleep <duration>        wait, honoring cancellation
//	history                 append the number of prior exchanges
//	fail <message>          stop with an error
//
// Blank lines and lines starting with # are ignored. Any other line is
// appended to the result verbatim.
type ScriptRunner struct{}

// Run executes the script in a.Instruction.
func (ScriptRunner) Run(ctx context.Context, a Assignment, tb Toolbox) (string, error) {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(a.Instruction))
	// No line can be longer than the instruction itself.
	scanner.Buffer(make([]byte, 0, 64*1024), len(a.Instruction)+1)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch verb {
		case "call", "try":
			op, args, _ := strings.Cut(rest, " ")
			if op == "" {
				return "", fmt.Errorf("line %d: %s needs an operation", lineNo, verb)
			}
			raw := json.RawMessage(strings.TrimSpace(args))
			if len(raw) == 0 {
				raw = json.RawMessage("{}")
			}
			res, err := tb.Invoke(ctx, op, raw)
			if err != nil {
				if verb == "try" && !isFatal(ctx, err) {
					out = append(out, fmt.Sprintf("%s: error: %v", op, err))
					continue
				}
				return strings.Join(out, "\n"), err
			}
			out = append(out, fmt.Sprintf("%s: %s", op, strings.TrimRight(res, "\n")))
		case "say":
			out = append(out, rest)
		case "sleep":
			d, err := time.ParseDuration(rest)
			if err != nil {
				return "", fmt.Errorf("line %d: %w", lineNo, err)
			}
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return strings.Join(out, "\n"), checkpoint(ctx)
			case <-timer.C:
			}
		case "history":
			out = append(out, fmt.Sprintf("history: %d", len(a.History)))
		case "fail":
			return strings.Join(out, "\n"), errors.New(rest)
		default:
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return strings.Join(out, "\n"), fmt.Errorf("read script: %w", err)
	}
	return strings.Join(out, "\n"), nil
}

// isFatal reports whether err must end the script even under "try".
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, models.ErrCapabilityViolation)
}
