package aggregate

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Coverage is the root of a Cobertura coverage report.
type Coverage struct {
	XMLName         xml.Name          `xml:"coverage"`
	LineRate        float64           `xml:"line-rate,attr"`
	BranchRate      float64           `xml:"branch-rate,attr"`
	LinesCovered    int               `xml:"lines-covered,attr"`
	LinesValid      int               `xml:"lines-valid,attr"`
	BranchesCovered int               `xml:"branches-covered,attr"`
	BranchesValid   int               `xml:"branches-valid,attr"`
	Complexity      float64           `xml:"complexity,attr"`
	Version         string            `xml:"version,attr,omitempty"`
	Timestamp       string            `xml:"timestamp,attr,omitempty"`
	Sources         []string          `xml:"sources>source"`
	Packages        []CoveragePackage `xml:"packages>package"`
}

// CoveragePackage is one <package>.
type CoveragePackage struct {
	Name       string          `xml:"name,attr"`
	LineRate   float64         `xml:"line-rate,attr"`
	BranchRate float64         `xml:"branch-rate,attr"`
	Complexity float64         `xml:"complexity,attr"`
	Classes    []CoverageClass `xml:"classes>class"`
}

// CoverageClass is one <class>, usually one source file.
type CoverageClass struct {
	Name       string         `xml:"name,attr"`
	Filename   string         `xml:"filename,attr"`
	LineRate   float64        `xml:"line-rate,attr"`
	BranchRate float64        `xml:"branch-rate,attr"`
	Complexity float64        `xml:"complexity,attr"`
	Lines      []CoverageLine `xml:"lines>line"`
}

// CoverageLine is one instrumented line.
type CoverageLine struct {
	Number            int    `xml:"number,attr"`
	Hits              int    `xml:"hits,attr"`
	Branch            bool   `xml:"branch,attr,omitempty"`
	ConditionCoverage string `xml:"condition-coverage,attr,omitempty"`
}

// ParseCobertura reads a Cobertura coverage report.
func ParseCobertura(r io.Reader) (*Coverage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}
	if root != "coverage" {
		return nil, bferrors.Wrapf(bferrors.ErrInvalidReport, "cobertura: unexpected root element <%s>", root)
	}
	var doc Coverage
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: cobertura: %w", bferrors.ErrInvalidReport, err)
	}
	return &doc, nil
}

// lineState is the merged state of one source line.
type lineState struct {
	hits      int
	branch    bool
	condCov   int
	condValid int
}

type classState struct {
	pkg        string
	name       string
	filename   string
	complexity float64
	lines      map[int]*lineState
}

// CoverageMerger unions coverage from many jobs. Hits on the same line are
// summed; for branch lines the best observed condition coverage is kept.
type CoverageMerger struct {
	sources map[string]struct{}
	classes map[string]*classState
	docs    int
}

// NewCoverageMerger creates an empty merger.
func NewCoverageMerger() *CoverageMerger {
	return &CoverageMerger{
		sources: make(map[string]struct{}),
		classes: make(map[string]*classState),
	}
}

// Add merges doc into the report.
func (m *CoverageMerger) Add(doc *Coverage) {
	m.docs++
	for _, s := range doc.Sources {
		m.sources[s] = struct{}{}
	}
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			key := c.Filename + "\x00" + c.Name
			cs, ok := m.classes[key]
			if !ok {
				cs = &classState{pkg: p.Name, name: c.Name, filename: c.Filename, lines: make(map[int]*lineState)}
				m.classes[key] = cs
			}
			cs.complexity = max(cs.complexity, c.Complexity)
			for _, l := range c.Lines {
				ls, ok := cs.lines[l.Number]
				if !ok {
					ls = &lineState{}
					cs.lines[l.Number] = ls
				}
				ls.hits += l.Hits
				if l.Branch {
					ls.branch = true
					covered, valid := parseCondition(l.ConditionCoverage)
					if valid > ls.condValid || (valid == ls.condValid && covered > ls.condCov) {
						ls.condCov, ls.condValid = covered, valid
					}
				}
			}
		}
	}
}

// Empty reports whether no document was added.
func (m *CoverageMerger) Empty() bool {
	return m.docs == 0
}

// Report builds the merged document with recomputed rates.
func (m *CoverageMerger) Report() *Coverage {
	doc := &Coverage{Version: "buildfarm"}
	for s := range m.sources {
		doc.Sources = append(doc.Sources, s)
	}
	sort.Strings(doc.Sources)

	keys := make([]string, 0, len(m.classes))
	for k := range m.classes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pkgIndex := map[string]int{}
	type counts struct{ lc, lv, bc, bv int }
	pkgCounts := map[string]*counts{}

	for _, k := range keys {
		cs := m.classes[k]
		class := CoverageClass{Name: cs.name, Filename: cs.filename, Complexity: cs.complexity}

		numbers := make([]int, 0, len(cs.lines))
		for n := range cs.lines {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		var c counts
		for _, n := range numbers {
			ls := cs.lines[n]
			line := CoverageLine{Number: n, Hits: ls.hits, Branch: ls.branch}
			if ls.branch && ls.condValid > 0 {
				line.ConditionCoverage = formatCondition(ls.condCov, ls.condValid)
				c.bc += ls.condCov
				c.bv += ls.condValid
			}
			c.lv++
			if ls.hits > 0 {
				c.lc++
			}
			class.Lines = append(class.Lines, line)
		}
		class.LineRate = rate(c.lc, c.lv)
		class.BranchRate = rate(c.bc, c.bv)

		idx, ok := pkgIndex[cs.pkg]
		if !ok {
			idx = len(doc.Packages)
			pkgIndex[cs.pkg] = idx
			doc.Packages = append(doc.Packages, CoveragePackage{Name: cs.pkg})
			pkgCounts[cs.pkg] = &counts{}
		}
		doc.Packages[idx].Classes = append(doc.Packages[idx].Classes, class)
		doc.Packages[idx].Complexity = max(doc.Packages[idx].Complexity, class.Complexity)
		pc := pkgCounts[cs.pkg]
		pc.lc += c.lc
		pc.lv += c.lv
		pc.bc += c.bc
		pc.bv += c.bv

		doc.LinesCovered += c.lc
		doc.LinesValid += c.lv
		doc.BranchesCovered += c.bc
		doc.BranchesValid += c.bv
	}

	for i := range doc.Packages {
		pc := pkgCounts[doc.Packages[i].Name]
		doc.Packages[i].LineRate = rate(pc.lc, pc.lv)
		doc.Packages[i].BranchRate = rate(pc.bc, pc.bv)
	}
	doc.LineRate = rate(doc.LinesCovered, doc.LinesValid)
	doc.BranchRate = rate(doc.BranchesCovered, doc.BranchesValid)
	return doc
}

// Totals returns the merged line and branch counters.
func (m *CoverageMerger) Totals() CoverageTotals {
	doc := m.Report()
	return CoverageTotals{
		Reports:         m.docs,
		LinesCovered:    doc.LinesCovered,
		LinesValid:      doc.LinesValid,
		LineRate:        doc.LineRate,
		BranchesCovered: doc.BranchesCovered,
		BranchesValid:   doc.BranchesValid,
		BranchRate:      doc.BranchRate,
	}
}

// WriteTo writes the merged report as indented XML.
func (m *CoverageMerger) WriteTo(w io.Writer) (int64, error) {
	return writeXML(w, m.Report())
}

// parseCondition reads "50% (1/2)" into (1, 2).
func parseCondition(s string) (covered, valid int) {
	open := strings.IndexByte(s, '(')
	end := strings.IndexByte(s, ')')
	if open < 0 || end <= open {
		return 0, 0
	}
	a, b, ok := strings.Cut(s[open+1:end], "/")
	if !ok {
		return 0, 0
	}
	covered, err1 := strconv.Atoi(strings.TrimSpace(a))
	valid, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || valid <= 0 || covered < 0 || covered > valid {
		return 0, 0
	}
	return covered, valid
}

func formatCondition(covered, valid int) string {
	return fmt.Sprintf("%d%% (%d/%d)", covered*100/valid, covered, valid)
}

func rate(covered, valid int) float64 {
	if valid == 0 {
		return 0
	}
	return float64(covered) / float64(valid)
}
