package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is a started client process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Wait() error
}

// Runner starts long-running client processes and runs one-shot commands.
type Runner interface {
	// Start launches name in the background with stdout and stderr sent to output.
	Start(name string, args []string, output io.Writer) (Process, error)

	// Run executes name to completion and returns its combined output.
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

// Start implements Runner.
func (ExecRunner) Start(name string, args []string, output io.Writer) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Wait() error                { return p.cmd.Wait() }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
