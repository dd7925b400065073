// Package action runs the configured command for an expired timer.
package action

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"boostd/internal/timer"
	logx "boostd/pkg/logx"
)

const (
	DefaultTimeout = time.Minute
	Placeholder    = "{entity}"
	maxOutput      = 2048
	maxErrOutput   = 512

	// waitDelay bounds how long Wait blocks on pipes still held by escaped
	// grandchildren after the process is gone.
	waitDelay = 2 * time.Second
)

var ErrEmptyCommand = errors.New("action: empty command")

type Config struct {
	Command string
	Timeout time.Duration
}

// Executor is a timer.Callback source. The command line is split with shell
// quoting rules once, then the placeholder is substituted per argument so an
// entity id can never inject extra arguments.
type Executor struct {
	log logx.Logger

	mu      sync.RWMutex
	argv    []string
	timeout time.Duration
}

func New(cfg Config, log logx.Logger) (*Executor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	x := &Executor{log: log.For("action")}
	if err := x.Apply(cfg); err != nil {
		return nil, err
	}
	return x, nil
}

// Apply swaps the command. An empty command disables the executor: every run
// succeeds without doing anything.
func (x *Executor) Apply(cfg Config) error {
	var argv []string
	if s := strings.TrimSpace(cfg.Command); s != "" {
		parts, err := shellquote.Split(s)
		if err != nil {
			return errors.Wrapf(err, "action: parse command %q", cfg.Command)
		}
		if len(parts) == 0 {
			return ErrEmptyCommand
		}
		argv = parts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	x.mu.Lock()
	x.argv = argv
	x.timeout = timeout
	x.mu.Unlock()
	return nil
}

// Enabled reports whether a command is configured.
func (x *Executor) Enabled() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.argv) > 0
}

// Run executes the command for e. A non-zero exit, a timeout or a start
// failure is returned as an error carrying the tail of the command output.
// On timeout the whole process group is killed.
func (x *Executor) Run(ctx context.Context, e timer.EntityID) error {
	x.mu.RLock()
	argv := append([]string(nil), x.argv...)
	timeout := x.timeout
	x.mu.RUnlock()

	if len(argv) == 0 {
		x.log.Debug("no action configured", logx.Entity(string(e)))
		return nil
	}
	for i := range argv {
		argv[i] = strings.ReplaceAll(argv[i], Placeholder, string(e))
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "BOOSTD_ENTITY="+string(e))
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(cctx.Err(), "action timed out after %s", timeout)
		}
		x.log.Warn("action failed",
			logx.Entity(string(e)),
			logx.String("cmd", argv[0]),
			logx.Duration("took", took),
			logx.String("output", out.String()),
			logx.Err(err),
		)
		if tail := out.Tail(maxErrOutput); tail != "" {
			return errors.Wrapf(err, "action %s: %s", argv[0], tail)
		}
		return errors.Wrapf(err, "action %s", argv[0])
	}
	x.log.Debug("action done",
		logx.Entity(string(e)),
		logx.String("cmd", argv[0]),
		logx.Duration("took", took),
	)
	return nil
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > maxOutput {
		p = p[len(p)-maxOutput:]
	}
	if over := t.buf.Len() + len(p) - maxOutput; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(t.buf.String()) }

// Tail returns at most n trailing bytes of the output.
func (t *tailBuffer) Tail(n int) string {
	s := t.String()
	if len(s) > n {
		s = strings.TrimSpace(s[len(s)-n:])
	}
	return s
}
