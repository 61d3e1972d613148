// Package commands implements the recipe commands bundled with the slave.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/shlex"

	"github.com/bitten-ci/bitten/internal/process"
	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/pkg/protocol"
)

// Namespaces of the bundled command modules.
const (
	NamespaceShell = recipe.NamespaceBase + "sh#"
	NamespaceC     = recipe.NamespaceBase + "c#"
	NamespaceGo    = recipe.NamespaceBase + "go#"
	NamespaceJava  = recipe.NamespaceBase + "java#"
	NamespaceGit   = recipe.NamespaceBase + "git#"
)

// Register adds every bundled command to reg.
func Register(reg *recipe.Registry) {
	reg.Register(NamespaceShell, "exec", shellExec)
	reg.Register(NamespaceShell, "pipe", shellPipe)

	reg.Register(NamespaceC, "configure", cConfigure)
	reg.Register(NamespaceC, "make", cMake)
	reg.Register(NamespaceC, "autoreconf", cAutoreconf)

	reg.Register(NamespaceGo, "test", goTest)
	reg.Register(NamespaceGo, "vet", goVet)

	reg.Register(NamespaceJava, "junit", javaJUnit)

	reg.Register(NamespaceGit, "checkout", gitCheckout)
}

// NewRegistry returns a registry with the core and bundled commands.
func NewRegistry() *recipe.Registry {
	reg := recipe.NewRegistry()
	Register(reg)
	return reg
}

type execSpec struct {
	name    string
	args    []string
	dir     string
	input   string
	output  string
	timeout time.Duration
	// onLine sees every line before it is logged and returns the text to
	// log. Returning false keeps the line out of the step log.
	onLine func(process.Line) (string, bool)
}

// execute runs a subprocess in the build directory, logging stdout at
// info and stderr at error level. It returns the exit code.
func execute(ctx context.Context, c *recipe.Context, spec execSpec) (int, error) {
	opts := process.Options{Dir: c.Resolve(spec.dir), Timeout: spec.timeout}
	if spec.input != "" {
		opts.Input = c.Resolve(spec.input)
	}

	var out *bufio.Writer
	if spec.output != "" {
		path := c.Resolve(spec.output)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return -1, recipe.Buildf("failed to create output directory: %v", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return -1, recipe.Buildf("failed to open output file %s: %v", spec.output, err)
		}
		defer f.Close()
		out = bufio.NewWriter(f)
		defer out.Flush()
	}

	var msgs []protocol.Message
	code, err := process.Run(ctx, spec.name, spec.args, opts, func(l process.Line) {
		if out != nil && l.Stream == process.Stdout {
			fmt.Fprintln(out, l.Text)
		}
		text := l.Text
		if spec.onLine != nil {
			var keep bool
			if text, keep = spec.onLine(l); !keep {
				return
			}
		}
		level := protocol.LevelInfo
		if l.Stream == process.Stderr {
			level = protocol.LevelError
		}
		msgs = append(msgs, protocol.Message{Level: level, Text: text})
	})
	c.Log(msgs...)

	switch {
	case errors.Is(err, process.ErrTimeout):
		return code, recipe.Buildf("Timed out after %s executing %s", spec.timeout, spec.name)
	case errors.Is(err, context.Canceled):
		return code, err
	case err != nil:
		return code, recipe.Buildf("Error executing %s: %v", spec.name, err)
	}
	return code, nil
}

// splitArgs splits a shell-quoted argument string.
func splitArgs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, recipe.Buildf("invalid arguments %q: %v", s, err)
	}
	return args, nil
}
