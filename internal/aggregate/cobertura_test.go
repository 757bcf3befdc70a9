package aggregate

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

func coverageDoc(hits2 int, cond string) string {
	return `<?xml version="1.0" ?>
<coverage line-rate="0.5" branch-rate="0" lines-covered="1" lines-valid="2" version="7.2">
  <sources><source>/src</source></sources>
  <packages>
    <package name="ops" line-rate="0.5" branch-rate="0">
      <classes>
        <class name="math.py" filename="ops/math.py" line-rate="0.5" branch-rate="0">
          <lines>
            <line number="1" hits="1"/>
            <line number="2" hits="` + strconv.Itoa(hits2) + `" branch="true" condition-coverage="` + cond + `"/>
          </lines>
        </class>
      </classes>
    </package>
  </packages>
</coverage>`
}

func TestParseCobertura(t *testing.T) {
	doc, err := ParseCobertura(strings.NewReader(coverageDoc(0, "0% (0/2)")))
	require.NoError(t, err)
	require.Len(t, doc.Packages, 1)
	require.Len(t, doc.Packages[0].Classes, 1)
	assert.Len(t, doc.Packages[0].Classes[0].Lines, 2)

	_, err = ParseCobertura(strings.NewReader("<testsuites/>"))
	require.ErrorIs(t, err, bferrors.ErrInvalidReport)
}

func TestCoverageMerger_UnionOfHits(t *testing.T) {
	a, err := ParseCobertura(strings.NewReader(coverageDoc(0, "0% (0/2)")))
	require.NoError(t, err)
	b, err := ParseCobertura(strings.NewReader(coverageDoc(3, "50% (1/2)")))
	require.NoError(t, err)

	m := NewCoverageMerger()
	assert.True(t, m.Empty())
	m.Add(a)
	m.Add(b)
	require.False(t, m.Empty())

	totals := m.Totals()
	assert.Equal(t, 2, totals.Reports)
	assert.Equal(t, 2, totals.LinesCovered)
	assert.Equal(t, 2, totals.LinesValid)
	assert.InDelta(t, 1.0, totals.LineRate, 0.0001)
	assert.Equal(t, 1, totals.BranchesCovered)
	assert.Equal(t, 2, totals.BranchesValid)
	assert.InDelta(t, 0.5, totals.BranchRate, 0.0001)

	report := m.Report()
	require.Len(t, report.Packages, 1)
	lines := report.Packages[0].Classes[0].Lines
	require.Len(t, lines, 2)
	assert.Equal(t, 2, lines[0].Hits)
	assert.Equal(t, 3, lines[1].Hits)
	assert.Equal(t, "50% (1/2)", lines[1].ConditionCoverage)
	assert.Equal(t, []string{"/src"}, report.Sources)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	roundTrip, err := ParseCobertura(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, roundTrip.LinesCovered)
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in           string
		covered, all int
	}{
		{"50% (1/2)", 1, 2},
		{"100% (4/4)", 4, 4},
		{"", 0, 0},
		{"garbage", 0, 0},
		{"(3/2)", 0, 0},
		{"(x/2)", 0, 0},
	}
	for _, tt := range tests {
		c, v := parseCondition(tt.in)
		assert.Equal(t, tt.covered, c, tt.in)
		assert.Equal(t, tt.all, v, tt.in)
	}
}
