package recipe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// Executor runs recipe steps against a registry of commands.
type Executor struct {
	registry *Registry
	now      func() time.Time
}

// NewExecutor returns an executor over reg.
func NewExecutor(reg *Registry) *Executor {
	return &Executor{registry: reg, now: time.Now}
}

// Registry returns the executor's command registry.
func (x *Executor) Registry() *Registry {
	return x.registry
}

// Execute runs step and returns its result document. The second return
// value reports whether the step failed.
func (x *Executor) Execute(ctx context.Context, c *Context, step *Step) (*protocol.Result, bool) {
	start := x.now()
	c.Output()

	for _, elem := range step.Commands {
		if err := ctx.Err(); err != nil {
			c.generator = ""
			c.Error(fmt.Sprintf("step interrupted: %v", err))
			break
		}
		if elem.Name.Space == "" && elem.Name.Local == ElemReports {
			for _, child := range elem.Children {
				x.run(ctx, c, step, child)
			}
			continue
		}
		x.run(ctx, c, step, elem)
	}
	c.generator = ""

	result := &protocol.Result{Step: step.ID, Time: protocol.FormatTime(start)}
	failed := false
	for _, item := range c.Output() {
		switch item.Kind {
		case KindError:
			failed = true
			result.Errors = append(result.Errors, protocol.Error{Generator: item.Generator, Message: item.Message})
		case KindLog:
			result.Logs = append(result.Logs, protocol.Log{Generator: item.Generator, Messages: item.Messages})
		case KindReport:
			items := []*xmlio.Element{}
			if item.Report != nil {
				items = item.Report.Children
			}
			result.Reports = append(result.Reports, protocol.Report{
				Category:  item.Category,
				Generator: item.Generator,
				Items:     items,
			})
		case KindAttach:
			file, err := encodeAttachment(item.File)
			if err != nil {
				failed = true
				result.Errors = append(result.Errors, protocol.Error{Generator: item.Generator, Message: err.Error()})
				continue
			}
			result.Attachments = append(result.Attachments, protocol.Attach{Files: []protocol.File{file}})
		}
	}

	result.Status = protocol.StatusSuccess
	if failed {
		result.Status = protocol.StatusFailure
	}
	result.Duration = protocol.FormatDuration(x.now().Sub(start))
	return result, failed
}

// ShouldContinue reports whether the build goes on after step.
func ShouldContinue(step *Step, failed bool) bool {
	return !(failed && step.OnError == Fail)
}

func (x *Executor) run(ctx context.Context, c *Context, step *Step, elem *xmlio.Element) {
	c.generator = generator(elem.Name)

	cmd, ok := x.registry.Lookup(elem.Name)
	if !ok {
		c.Error(fmt.Sprintf("unknown command %s", c.generator))
		return
	}

	args := make(Args, len(elem.Attrs))
	for _, a := range elem.Attrs {
		args[a.Name.Local] = c.Interpolate(a.Value)
	}

	log.Debug("executing command", "step", step.ID, "command", c.generator)
	if err := x.invoke(ctx, c, cmd, &Call{Name: elem.Name, Args: args, Elem: elem}); err != nil {
		if !errors.Is(err, ErrBuild) {
			log.Error("command failed unexpectedly", "step", step.ID, "command", c.generator, "error", err)
		}
		c.Error(err.Error())
	}
}

func (x *Executor) invoke(ctx context.Context, c *Context, cmd Command, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "command", c.generator, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return cmd(ctx, c, call)
}

func encodeAttachment(f AttachedFile) (protocol.File, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return protocol.File{}, fmt.Errorf("failed to attach %s: %w", filepath.Base(f.Path), err)
	}
	return protocol.File{
		Filename:    filepath.Base(f.Path),
		Description: f.Description,
		Resource:    f.Resource,
		Content:     base64.StdEncoding.EncodeToString(data),
	}, nil
}
