package commands

import (
	"context"
	"encoding/json"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bitten-ci/bitten/internal/process"
	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// testEvent is one line of `go test -json` output.
type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

type testRun struct {
	report *xmlio.Element
	output map[string]*strings.Builder
	total  int
	failed int
}

func newTestRun() *testRun {
	return &testRun{report: xmlio.New("report"), output: map[string]*strings.Builder{}}
}

// add records ev and reports whether the raw line was a test event.
func (r *testRun) add(line string) (testEvent, bool) {
	var ev testEvent
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &ev) != nil || ev.Action == "" {
		return ev, false
	}
	if ev.Test == "" {
		return ev, true
	}

	key := ev.Package + "." + ev.Test
	switch ev.Action {
	case "output":
		b, ok := r.output[key]
		if !ok {
			b = new(strings.Builder)
			r.output[key] = b
		}
		b.WriteString(ev.Output)
	case "pass", "fail", "skip":
		status := map[string]string{"pass": "success", "fail": "failure", "skip": "ignore"}[ev.Action]
		item := xmlio.New("test",
			"fixture", ev.Package,
			"name", ev.Test,
			"status", status,
			"duration", strconv.FormatFloat(ev.Elapsed, 'f', 3, 64),
		)
		if ev.Action == "fail" {
			r.failed++
			if b := r.output[key]; b != nil {
				tb := xmlio.New("traceback")
				tb.Text = strings.TrimRight(b.String(), "\n")
				item.Append(tb)
			}
		}
		delete(r.output, key)
		r.total++
		r.report.Append(item)
	}
	return ev, true
}

// goTest runs `go test -json` and reports every test.
//
//	<go:test packages="./..." args="-race" run="TestFoo" timeout="900"/>
func goTest(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	args := []string{"test", "-json"}
	if r := call.Args["run"]; r != "" {
		args = append(args, "-run", r)
	}
	extra, err := splitArgs(call.Args["args"])
	if err != nil {
		return err
	}
	args = append(args, extra...)
	args = append(args, packages(call)...)

	timeout, err := call.Args.Duration("timeout")
	if err != nil {
		return err
	}

	run := newTestRun()
	code, err := execute(ctx, c, execSpec{
		name:    call.Args.String("executable", "go"),
		args:    args,
		dir:     call.Args["dir"],
		timeout: timeout,
		onLine: func(l process.Line) (string, bool) {
			if l.Stream != process.Stdout {
				return l.Text, true
			}
			ev, ok := run.add(l.Text)
			if !ok {
				return l.Text, true
			}
			return strings.TrimRight(ev.Output, "\n"), ev.Action == "output" && ev.Test == ""
		},
	})
	c.Report("test", run.report)
	if err != nil {
		return err
	}

	if run.failed > 0 {
		return recipe.Buildf("%d of %d tests failed", run.failed, run.total)
	}
	if code != 0 {
		return recipe.Buildf("go test failed (%d)", code)
	}
	return nil
}

var vetLine = regexp.MustCompile(`^(?:vet: )?(.+?\.go):(\d+)(?::\d+)?: (.+)$`)

// goVet runs `go vet` and turns its diagnostics into a lint report.
//
//	<go:vet packages="./..."/>
func goVet(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	args := append([]string{"vet"}, packages(call)...)

	report := xmlio.New("report")
	problems := 0
	code, err := execute(ctx, c, execSpec{
		name: call.Args.String("executable", "go"),
		args: args,
		dir:  call.Args["dir"],
		onLine: func(l process.Line) (string, bool) {
			m := vetLine.FindStringSubmatch(l.Text)
			if m == nil {
				return l.Text, true
			}
			problems++
			problem := xmlio.New("problem",
				"category", "warning",
				"tag", "vet",
				"file", path.Clean(m[1]),
				"line", m[2],
			)
			problem.Text = m[3]
			report.Append(problem)
			return l.Text, true
		},
	})
	c.Report("lint", report)
	if err != nil {
		return err
	}
	if code != 0 && problems == 0 {
		return recipe.Buildf("go vet failed (%d)", code)
	}
	return nil
}

func packages(call *recipe.Call) []string {
	if pkgs := call.Args.Fields("packages"); len(pkgs) > 0 {
		return pkgs
	}
	return []string{"./..."}
}
