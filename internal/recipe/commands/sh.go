package commands

import (
	"context"

	"github.com/bitten-ci/bitten/internal/recipe"
)

// shellExec runs an executable, or a script file through /bin/sh, and
// fails the step on a non-zero exit code.
//
//	<sh:exec executable="python" args="setup.py test" dir="src" output="out.txt" timeout="600"/>
//	<sh:exec file="ci/build.sh"/>
func shellExec(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	return run(ctx, c, call, "")
}

// shellPipe is exec with a file connected to stdin.
//
//	<sh:pipe executable="sort" input="names.txt" output="sorted.txt"/>
func shellPipe(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	input, err := call.Args.Required("input")
	if err != nil {
		return err
	}
	return run(ctx, c, call, input)
}

func run(ctx context.Context, c *recipe.Context, call *recipe.Call, input string) error {
	executable, file := call.Args["executable"], call.Args["file"]
	if executable == "" && file == "" {
		return recipe.Buildf("either executable or file is required")
	}

	args, err := splitArgs(call.Args["args"])
	if err != nil {
		return err
	}
	timeout, err := call.Args.Duration("timeout")
	if err != nil {
		return err
	}

	name := executable
	if name == "" {
		name = "/bin/sh"
		args = append([]string{c.Resolve(file)}, args...)
	}

	code, err := execute(ctx, c, execSpec{
		name:    name,
		args:    args,
		dir:     call.Args["dir"],
		input:   input,
		output:  call.Args["output"],
		timeout: timeout,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return recipe.Buildf("Executing %s failed (error code %d)", call.Args.String("executable", file), code)
	}
	return nil
}
