package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitten-ci/bitten/internal/recipe"
)

// cConfigure runs an autoconf configure script.
//
//	<c:configure enable="shared" disable="docs" with="ssl" without="x" cflags="-O2" args="--prefix=/opt"/>
func cConfigure(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	file := call.Args.String("file", "configure")

	var args []string
	for _, opt := range []string{"enable", "disable", "with", "without"} {
		for _, name := range call.Args.Fields(opt) {
			args = append(args, fmt.Sprintf("--%s-%s", opt, name))
		}
	}
	extra, err := splitArgs(call.Args["args"])
	if err != nil {
		return err
	}
	args = append(args, extra...)

	var env []string
	if v := call.Args["cflags"]; v != "" {
		env = append(env, "CFLAGS="+v)
	}
	if v := call.Args["cxxflags"]; v != "" {
		env = append(env, "CXXFLAGS="+v)
	}
	if len(env) > 0 {
		args = append(args, env...)
	}

	code, err := execute(ctx, c, execSpec{
		name: "/bin/sh",
		args: append([]string{"./" + strings.TrimPrefix(file, "./")}, args...),
		dir:  call.Args["dir"],
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return recipe.Buildf("configure failed (%d)", code)
	}
	return nil
}

// cMake runs make.
//
//	<c:make target="check" file="Makefile" keep-going="yes" jobs="4" directory="src"/>
func cMake(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	executable := call.Args.String("executable", "make")

	var args []string
	if file := call.Args["file"]; file != "" {
		args = append(args, "-f", file)
	}
	if call.Args.Bool("keep-going", false) {
		args = append(args, "--keep-going")
	}
	jobs, err := call.Args.Int("jobs", 0)
	if err != nil {
		return err
	}
	if jobs > 0 {
		args = append(args, fmt.Sprintf("-j%d", jobs))
	}
	if dir := call.Args["directory"]; dir != "" {
		args = append(args, "-C", dir)
	}
	extra, err := splitArgs(call.Args["args"])
	if err != nil {
		return err
	}
	args = append(args, extra...)
	args = append(args, call.Args.Fields("target")...)

	timeout, err := call.Args.Duration("timeout")
	if err != nil {
		return err
	}

	code, err := execute(ctx, c, execSpec{name: executable, args: args, timeout: timeout})
	if err != nil {
		return err
	}
	if code != 0 {
		return recipe.Buildf("make failed (%d)", code)
	}
	return nil
}

// cAutoreconf regenerates the GNU build system.
//
//	<c:autoreconf force="yes" install="yes" warnings="all" include="m4"/>
func cAutoreconf(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	var args []string
	for _, flag := range []string{"force", "install", "symlink"} {
		if call.Args.Bool(flag, false) {
			args = append(args, "--"+flag)
		}
	}
	if w := call.Args["warnings"]; w != "" {
		args = append(args, "--warnings="+w)
	}
	for _, dir := range call.Args.Fields("prepend_include") {
		args = append(args, "--prepend-include="+dir)
	}
	for _, dir := range call.Args.Fields("include") {
		args = append(args, "--include="+dir)
	}
	args = append(args, call.Args.String("file", "configure.ac"))

	code, err := execute(ctx, c, execSpec{name: "autoreconf", args: args, dir: call.Args["dir"]})
	if err != nil {
		return err
	}
	if code != 0 {
		return recipe.Buildf("autoreconf failed (%d)", code)
	}
	return nil
}
