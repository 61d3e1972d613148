package commands

import (
	"context"
	"encoding/xml"
	"os"
	"path"
	"strings"

	"github.com/bitten-ci/bitten/internal/fileset"
	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

type junitSuites struct {
	Suites []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name   string       `xml:"name,attr"`
	Cases  []junitCase  `xml:"testcase"`
	Suites []junitSuite `xml:"testsuite"`
}

type junitCase struct {
	Class   string        `xml:"classname,attr"`
	Name    string        `xml:"name,attr"`
	Time    string        `xml:"time,attr"`
	Failure *junitProblem `xml:"failure"`
	Error   *junitProblem `xml:"error"`
	Skipped *struct{}     `xml:"skipped"`
	Stdout  string        `xml:"system-out"`
}

type junitProblem struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

// javaJUnit collects JUnit XML result files into a test report.
//
//	<java:junit file="build/test-results/**/TEST-*.xml" srcdir="src/test/java"/>
func javaJUnit(_ context.Context, c *recipe.Context, call *recipe.Call) error {
	pattern, err := call.Args.Required("file")
	if err != nil {
		return err
	}
	files, err := fileset.New(c.Basedir, pattern, call.Args["exclude"]).Files()
	if err != nil {
		return recipe.Buildf("failed to collect JUnit results: %v", err)
	}
	if len(files) == 0 {
		c.Logf(protocol.LevelWarning, "no JUnit result files match "+pattern)
	}

	srcdir := strings.TrimSuffix(call.Args["srcdir"], "/")
	report := xmlio.New("report")
	total, failed := 0, 0
	for _, f := range files {
		cases, err := readJUnit(c.Resolve(f))
		if err != nil {
			return recipe.Buildf("failed to parse JUnit results %s: %v", f, err)
		}
		for _, tc := range cases {
			item, ok := junitItem(tc, srcdir)
			if !ok {
				failed++
			}
			total++
			report.Append(item)
		}
	}

	c.Report("test", report)
	if failed > 0 {
		return recipe.Buildf("%d of %d tests failed", failed, total)
	}
	return nil
}

func readJUnit(file string) ([]junitCase, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var suites junitSuites
	if err := xml.Unmarshal(data, &suites); err != nil {
		return nil, err
	}
	if len(suites.Suites) == 0 {
		var suite junitSuite
		if err := xml.Unmarshal(data, &suite); err != nil {
			return nil, err
		}
		suites.Suites = []junitSuite{suite}
	}

	var cases []junitCase
	var walk func(s junitSuite)
	walk = func(s junitSuite) {
		for _, tc := range s.Cases {
			if tc.Class == "" {
				tc.Class = s.Name
			}
			cases = append(cases, tc)
		}
		for _, child := range s.Suites {
			walk(child)
		}
	}
	for _, s := range suites.Suites {
		walk(s)
	}
	return cases, nil
}

// junitItem converts a test case to a report item. ok is false for
// failures and errors.
func junitItem(tc junitCase, srcdir string) (*xmlio.Element, bool) {
	item := xmlio.New("test", "fixture", tc.Class, "name", tc.Name, "duration", tc.Time)
	if srcdir != "" && tc.Class != "" {
		class := tc.Class
		if i := strings.IndexByte(class, '$'); i >= 0 {
			class = class[:i]
		}
		item.SetAttr("file", path.Join(srcdir, strings.ReplaceAll(class, ".", "/")+".java"))
	}

	problem := tc.Failure
	status := "success"
	switch {
	case tc.Failure != nil:
		status = "failure"
	case tc.Error != nil:
		status, problem = "error", tc.Error
	case tc.Skipped != nil:
		status = "ignore"
	}
	item.SetAttr("status", status)

	if problem != nil {
		tb := xmlio.New("traceback")
		tb.Text = strings.TrimSpace(problem.Text)
		if tb.Text == "" {
			tb.Text = problem.Message
		}
		item.Append(tb)
	}
	if out := strings.TrimSpace(tc.Stdout); out != "" {
		stdout := xmlio.New("stdout")
		stdout.Text = out
		item.Append(stdout)
	}
	return item, problem == nil
}
