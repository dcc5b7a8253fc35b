package commandclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Process is a running GPIO server. Wait is called once, after Stdout has
// been drained.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

type LauncherFunc func(ctx context.Context) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context) (Process, error) { return f(ctx) }

// ExecLauncher starts the server as a child process. Its stderr is relayed
// to Stderr, or to our own stderr when unset.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	Stderr  io.Writer
}

func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// not CommandContext: the child outlives the call that spawned it
	cmd := exec.Command(l.Command, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.Command, err)
	}

	log.Info().
		Str("command", l.Command).
		Strs("args", l.Args).
		Int("child_pid", cmd.Process.Pid).
		Msg("GPIO server process started")

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
