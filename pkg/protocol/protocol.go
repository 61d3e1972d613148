// Package protocol defines the documents exchanged between the build
// master and its slaves.
package protocol

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/pkg/xmlio"
)

const (
	// Version is the master/slave protocol version.
	Version = 5

	// ContentType is the media type of every protocol document.
	ContentType = "application/x-bitten+xml"

	// SessionCookie carries the session token issued to a slave.
	SessionCookie = "bitten_session"

	// TimeLayout is the layout of step start times.
	TimeLayout = "2006-01-02T15:04:05"
)

// Step result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Log message levels.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Slave is the greeting a slave posts to request a build.
type Slave struct {
	XMLName  xml.Name  `xml:"slave"`
	Name     string    `xml:"name,attr"`
	Version  string    `xml:"version,attr,omitempty"`
	Platform Platform  `xml:"platform"`
	OS       OS        `xml:"os"`
	Packages []Package `xml:"package"`
}

// Platform describes the slave machine.
type Platform struct {
	Processor string `xml:"processor,attr,omitempty"`
	Machine   string `xml:",chardata"`
}

// OS describes the slave operating system.
type OS struct {
	Family  string `xml:"family,attr,omitempty"`
	Version string `xml:"version,attr,omitempty"`
	Name    string `xml:",chardata"`
}

// Package is an installed package advertised by the slave.
type Package struct {
	Name  string     `xml:"name,attr"`
	Attrs []xml.Attr `xml:",any,attr"`
}

// Properties flattens the greeting into the property map used for
// platform matching: machine, processor, os, family, version and
// "<package>.<attribute>" entries.
func (s *Slave) Properties() map[string]string {
	props := map[string]string{
		"name":      s.Name,
		"machine":   strings.TrimSpace(s.Platform.Machine),
		"processor": s.Platform.Processor,
		"os":        strings.TrimSpace(s.OS.Name),
		"family":    s.OS.Family,
		"version":   s.OS.Version,
	}
	for _, pkg := range s.Packages {
		for _, attr := range pkg.Attrs {
			if attr.Name.Local == "name" {
				continue
			}
			props[pkg.Name+"."+attr.Name.Local] = attr.Value
		}
	}
	return props
}

// ProtocolVersion returns the advertised version, defaulting to 1.
func (s *Slave) ProtocolVersion() (int, error) {
	if strings.TrimSpace(s.Version) == "" {
		return 1, nil
	}
	return strconv.Atoi(strings.TrimSpace(s.Version))
}

// Result is the envelope a slave posts after executing a recipe step.
type Result struct {
	XMLName     xml.Name `xml:"result"`
	Step        string   `xml:"step,attr"`
	Status      string   `xml:"status,attr"`
	Time        string   `xml:"time,attr"`
	Duration    string   `xml:"duration,attr"`
	Errors      []Error  `xml:"error"`
	Logs        []Log    `xml:"log"`
	Reports     []Report `xml:"report"`
	Attachments []Attach `xml:"attach"`
}

// Error is a step error message.
type Error struct {
	Category  string `xml:"category,attr,omitempty"`
	Generator string `xml:"generator,attr,omitempty"`
	Message   string `xml:",chardata"`
}

// Log groups the messages produced by one generator.
type Log struct {
	Generator string    `xml:"generator,attr,omitempty"`
	Messages  []Message `xml:"message"`
}

// Message is a single log line.
type Message struct {
	Level string `xml:"level,attr"`
	Text  string `xml:",chardata"`
}

// Report carries structured report items. Each child element is an item;
// its name becomes the item type.
type Report struct {
	Category  string           `xml:"category,attr"`
	Generator string           `xml:"generator,attr,omitempty"`
	Items     []*xmlio.Element `xml:",any"`
}

// Attach carries attached files.
type Attach struct {
	Files []File `xml:"file"`
}

// File is a base64 encoded attachment.
type File struct {
	Filename    string `xml:"filename,attr"`
	Description string `xml:"description,attr,omitempty"`
	Resource    string `xml:"resource,attr,omitempty"`
	Content     string `xml:",chardata"`
}

// ParseResult decodes a step result document.
func ParseResult(data []byte) (*Result, error) {
	r := new(Result)
	if err := xml.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if r.Step == "" {
		return nil, fmt.Errorf("result document has no step attribute")
	}
	return r, nil
}

// Started parses the time attribute. Fractional seconds are ignored.
func (r *Result) Started() (time.Time, error) {
	value := r.Time
	if i := strings.IndexByte(value, '.'); i >= 0 {
		value = value[:i]
	}
	return time.ParseInLocation(TimeLayout, strings.TrimSuffix(value, "Z"), time.UTC)
}

// Elapsed parses the duration attribute.
func (r *Result) Elapsed() (time.Duration, error) {
	if strings.TrimSpace(r.Duration) == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(r.Duration), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// FormatTime renders a step start time.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout + ".000000")
}

// FormatDuration renders a step duration in seconds.
func FormatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}
