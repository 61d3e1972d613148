// Package process runs child processes for recipe commands, delivering
// their stdout and stderr as interleaved lines.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bitten-ci/bitten/pkg/log"
)

// ErrTimeout is returned by Wait when the process outlived its timeout
// and was killed.
var ErrTimeout = errors.New("process timed out")

// Stream identifies the pipe a line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of output without its line terminator.
type Line struct {
	Stream Stream
	Text   string
}

// Options configure a process.
type Options struct {
	// Dir is the working directory.
	Dir string
	// Env is appended to the slave's own environment.
	Env []string
	// Input names a file connected to stdin.
	Input string
	// Timeout kills the process once elapsed. Zero means no limit.
	Timeout time.Duration
	// Codec overrides the locale codec.
	Codec *Codec
}

// Process is a started child process.
type Process struct {
	cmd     *exec.Cmd
	ctx     context.Context
	parent  context.Context
	cancel  context.CancelFunc
	lines   chan Line
	readers sync.WaitGroup
	input   *os.File
}

// Start launches name with args. The caller must drain Lines until it is
// closed and then call Wait.
func Start(ctx context.Context, name string, args []string, opts Options) (*Process, error) {
	codec := opts.Codec
	if codec == nil {
		codec = LocaleCodec()
	}

	p := &Process{parent: ctx, lines: make(chan Line, 64)}
	if opts.Timeout > 0 {
		p.ctx, p.cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		p.ctx, p.cancel = context.WithCancel(ctx)
	}

	encoded := make([]string, len(args))
	for i, a := range args {
		encoded[i] = codec.Encode(a)
	}

	cmd := exec.CommandContext(p.ctx, name, encoded...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = 5 * time.Second
	configure(cmd)
	p.cmd = cmd

	if opts.Input != "" {
		f, err := os.Open(opts.Input)
		if err != nil {
			p.cancel()
			return nil, err
		}
		p.input = f
		cmd.Stdin = f
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		p.close()
		return nil, err
	}
	log.Debug("started process", "name", name, "args", args, "pid", cmd.Process.Pid, "dir", opts.Dir)

	p.readers.Add(2)
	go p.drain(stdout, Stdout, codec)
	go p.drain(stderr, Stderr, codec)
	go func() {
		p.readers.Wait()
		close(p.lines)
	}()
	return p, nil
}

func (p *Process) drain(pipe io.Reader, stream Stream, codec *Codec) {
	defer p.readers.Done()

	reader := bufio.NewReader(pipe)
	for {
		b, err := reader.ReadBytes('\n')
		if len(b) > 0 {
			b = bytes.TrimRight(b, "\r\n")
			p.lines <- Line{Stream: stream, Text: codec.Decode(b)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Warn("failed to read process output", "stream", stream, "error", err)
			}
			return
		}
	}
}

// Lines delivers output in the order it was read across both pipes.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and returns its exit code.
// A killed process reports -1 along with ErrTimeout or the parent
// context's error.
func (p *Process) Wait() (int, error) {
	defer p.close()

	err := p.cmd.Wait()
	if p.parent.Err() != nil {
		return -1, p.parent.Err()
	}
	if errors.Is(p.ctx.Err(), context.DeadlineExceeded) {
		return -1, ErrTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *Process) close() {
	p.cancel()
	if p.input != nil {
		p.input.Close()
	}
}

// Run starts a process, hands every line to fn and waits for it.
func Run(ctx context.Context, name string, args []string, opts Options, fn func(Line)) (int, error) {
	p, err := Start(ctx, name, args, opts)
	if err != nil {
		return -1, err
	}
	for line := range p.Lines() {
		if fn != nil {
			fn(line)
		}
	}
	return p.Wait()
}
