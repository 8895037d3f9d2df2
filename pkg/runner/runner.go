// Package runner executes external neuroimaging tools. Every invocation is
// logged as a copy-pasteable shell command, runs under its own timeout and
// receives the configured thread count through OMP_NUM_THREADS.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// stderrTail bounds the tool output attached to a failure.
const stderrTail = 2048

// Options configures a Runner.
type Options struct {
	// Threads is exported as OMP_NUM_THREADS; zero leaves it unset
	Threads int
	// Timeout bounds each command; zero means no limit
	Timeout time.Duration
	// Env is added to every command's environment
	Env    map[string]string
	Logger *zap.SugaredLogger
}

// Command is one tool invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; it is created when missing
	Dir string
	// Env is added on top of the runner's environment
	Env map[string]string
}

// String renders the command the way it would be typed in a shell.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner starts commands. It is safe for concurrent use.
type Runner struct {
	opts Options
	log  *zap.SugaredLogger
}

// New returns a Runner.
func New(opts Options) *Runner {
	return &Runner{opts: opts, log: logger.OrGlobal(opts.Logger)}
}

// Threads returns the per-tool thread count.
func (r *Runner) Threads() int { return r.opts.Threads }

// Run executes cmd and waits for it. A non-zero exit, a timeout or a
// cancelled context returns an error carrying the tail of stderr.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	if cmd.Dir != "" {
		if err := os.MkdirAll(cmd.Dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating working directory for %s", cmd.Name)
		}
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	if r.opts.Threads > 0 {
		c.Env = append(c.Env, "OMP_NUM_THREADS="+strconv.Itoa(r.opts.Threads))
	}
	for _, env := range []map[string]string{r.opts.Env, cmd.Env} {
		for k, v := range env {
			c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &lineLogger{log: r.log, name: cmd.Name, capture: &stdout}
	c.Stderr = &lineLogger{log: r.log, name: cmd.Name, capture: &stderr}

	r.log.Infow("Running command", "command", cmd.String(), "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(ctx.Err(), "%s timed out after %s", cmd.Name, r.opts.Timeout)
		} else {
			err = errors.Wrapf(err, "%s failed", cmd.Name)
		}
		return res, errors.WithDetail(err, tail(res.Stderr, stderrTail))
	}
	r.log.Debugw("Command finished", "command", cmd.Name, "duration", res.Duration)
	return res, nil
}

// TaskDir creates a fresh directory for one task below base. Names are
// joined into a readable prefix; a random suffix keeps concurrent tasks
// apart.
func TaskDir(base string, names ...string) (string, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", errors.Wrap(err, "creating work directory")
	}
	prefix := strings.Join(names, "_")
	if prefix == "" {
		prefix = "task"
	}
	dir, err := os.MkdirTemp(base, filepath.Base(prefix)+"-")
	if err != nil {
		return "", errors.Wrap(err, "creating task directory")
	}
	return dir, nil
}

// SplitArgs splits user-supplied extra arguments with shell quoting rules.
func SplitArgs(s string) ([]string, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parsing arguments %q", s), errors.ErrConfiguration)
	}
	return args, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// lineLogger forwards tool output line by line at debug level while
// keeping a copy.
type lineLogger struct {
	log     *zap.SugaredLogger
	name    string
	capture *bytes.Buffer
	buf     strings.Builder
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.capture.Write(p)
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)
		if line = strings.TrimSpace(line); line != "" {
			l.log.Debugw("Tool output", "tool", l.name, "message", line)
		}
	}
	return len(p), nil
}
