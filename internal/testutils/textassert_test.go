//go:build test

package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()
	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{name: "identical", actual: "HR: 72 bpm\n", expected: "HR: 72 bpm\n", match: true},
		{name: "surrounding whitespace trimmed", actual: "\n HR: 72 bpm \n\n", expected: "HR: 72 bpm", match: true},
		{name: "trailing whitespace per line", actual: "a  \nb\t", expected: "a\nb", match: true},
		{name: "empty lines matter by default", actual: "a\n\nb", expected: "a\nb", match: false},
		{name: "empty lines ignored", opts: []TextOption{WithIgnoreEmptyLines(true)}, actual: "a\n\nb", expected: "a\nb", match: true},
		{name: "no trimming", opts: []TextOption{WithTrimSpace(false)}, actual: "\na", expected: "a", match: false},
		{name: "different content", actual: "HR: 70 bpm", expected: "HR: 72 bpm", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(rec.errors) == 0, "errors: %v", rec.errors)
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	diff := NewTextAsserter(t).Diff("HR: 70 bpm", "HR: 72 bpm")
	assert.Contains(t, diff, "-HR: 72 bpm")
	assert.Contains(t, diff, "+HR: 70 bpm")
}
