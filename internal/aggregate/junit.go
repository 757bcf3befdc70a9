package aggregate

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// JUnitSuites is the root of a JUnit XML report.
type JUnitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr,omitempty"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     float64      `xml:"time,attr"`
	Suites   []JUnitSuite `xml:"testsuite"`
}

// JUnitSuite is one <testsuite>.
type JUnitSuite struct {
	XMLName    xml.Name        `xml:"testsuite"`
	Name       string          `xml:"name,attr"`
	Tests      int             `xml:"tests,attr"`
	Failures   int             `xml:"failures,attr"`
	Errors     int             `xml:"errors,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       float64         `xml:"time,attr,omitempty"`
	Timestamp  string          `xml:"timestamp,attr,omitempty"`
	Hostname   string          `xml:"hostname,attr,omitempty"`
	Properties []JUnitProperty `xml:"properties>property,omitempty"`
	Cases      []JUnitCase     `xml:"testcase"`
	SystemOut  string          `xml:"system-out,omitempty"`
	SystemErr  string          `xml:"system-err,omitempty"`
}

// JUnitProperty is a suite property.
type JUnitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// JUnitCase is one <testcase>.
type JUnitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr,omitempty"`
	File      string        `xml:"file,attr,omitempty"`
	Line      string        `xml:"line,attr,omitempty"`
	Time      float64       `xml:"time,attr,omitempty"`
	Failure   *JUnitOutcome `xml:"failure,omitempty"`
	Error     *JUnitOutcome `xml:"error,omitempty"`
	Skipped   *JUnitOutcome `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
	SystemErr string        `xml:"system-err,omitempty"`
}

// JUnitOutcome is a failure, error or skip marker.
type JUnitOutcome struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Text    string `xml:",chardata"`
}

// ParseJUnit reads a JUnit report rooted at either <testsuites> or
// <testsuite>. Suite counters missing from the document are derived from its
// test cases.
func ParseJUnit(r io.Reader) (*JUnitSuites, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}

	var doc JUnitSuites
	switch root {
	case "testsuites":
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: junit: %w", bferrors.ErrInvalidReport, err)
		}
	case "testsuite":
		var suite JUnitSuite
		if err := xml.Unmarshal(data, &suite); err != nil {
			return nil, fmt.Errorf("%w: junit: %w", bferrors.ErrInvalidReport, err)
		}
		doc.Suites = []JUnitSuite{suite}
	default:
		return nil, bferrors.Wrapf(bferrors.ErrInvalidReport, "junit: unexpected root element <%s>", root)
	}

	for i := range doc.Suites {
		normalizeSuite(&doc.Suites[i])
	}
	doc.recount()
	return &doc, nil
}

func normalizeSuite(s *JUnitSuite) {
	if len(s.Cases) == 0 {
		return
	}
	var failures, errs, skipped int
	for _, c := range s.Cases {
		switch {
		case c.Failure != nil:
			failures++
		case c.Error != nil:
			errs++
		case c.Skipped != nil:
			skipped++
		}
	}
	s.Tests = max(s.Tests, len(s.Cases))
	s.Failures = max(s.Failures, failures)
	s.Errors = max(s.Errors, errs)
	s.Skipped = max(s.Skipped, skipped)
}

func (d *JUnitSuites) recount() {
	d.Tests, d.Failures, d.Errors, d.Skipped, d.Time = 0, 0, 0, 0, 0
	for _, s := range d.Suites {
		d.Tests += s.Tests
		d.Failures += s.Failures
		d.Errors += s.Errors
		d.Skipped += s.Skipped
		d.Time += s.Time
	}
}

// JUnitMerger accumulates suites from many jobs into one report.
type JUnitMerger struct {
	doc JUnitSuites
}

// NewJUnitMerger creates a merger whose report carries name.
func NewJUnitMerger(name string) *JUnitMerger {
	return &JUnitMerger{doc: JUnitSuites{Name: name}}
}

// Add appends the suites of doc, prefixing each suite name with the job name
// so identical suites from different matrix entries stay distinguishable.
func (m *JUnitMerger) Add(jobName string, doc *JUnitSuites) {
	for _, s := range doc.Suites {
		if s.Name == "" {
			s.Name = jobName
		} else {
			s.Name = jobName + "/" + s.Name
		}
		s.Properties = append(append([]JUnitProperty(nil), s.Properties...), JUnitProperty{Name: "buildfarm.job", Value: jobName})
		m.doc.Suites = append(m.doc.Suites, s)
	}
	m.doc.recount()
}

// Totals returns the merged counters.
func (m *JUnitMerger) Totals() TestTotals {
	return TestTotals{
		Suites:   len(m.doc.Suites),
		Tests:    m.doc.Tests,
		Failures: m.doc.Failures,
		Errors:   m.doc.Errors,
		Skipped:  m.doc.Skipped,
		Time:     m.doc.Time,
	}
}

// WriteTo writes the merged report as indented XML.
func (m *JUnitMerger) WriteTo(w io.Writer) (int64, error) {
	return writeXML(w, &m.doc)
}

// rootElement returns the local name of the first element in data.
func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", bferrors.Wrap(bferrors.ErrInvalidReport, "empty document")
			}
			return "", fmt.Errorf("%w: %w", bferrors.ErrInvalidReport, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func writeXML(w io.Writer, v any) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 0, err
	}
	buf.WriteByte('\n')
	return buf.WriteTo(w)
}
