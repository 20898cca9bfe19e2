package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/stretchr/testify/assert"
)

func TestPrintBoards(t *testing.T) {
	color.NoColor = true

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printBoards(&buf, labdb.DefaultSeed(now).Boards, now)

	out := buf.String()
	assert.Contains(t, out, "NUC-13-Extreme")
	assert.Contains(t, out, "Alice Engineer (About an hour left)")
	assert.Contains(t, out, "MAINTENANCE")
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestPrintBoards_ColourKeepsAlignment(t *testing.T) {
	saved := color.NoColor
	t.Cleanup(func() { color.NoColor = saved })

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	boards := labdb.DefaultSeed(now).Boards

	color.NoColor = true

	var plain bytes.Buffer
	printBoards(&plain, boards, now)

	color.NoColor = false

	var coloured bytes.Buffer
	printBoards(&coloured, boards, now)

	assert.Contains(t, coloured.String(), "\x1b[")
	assert.Equal(t, plain.String(), ansi.ReplaceAllString(coloured.String(), ""))

	lines := strings.Split(strings.TrimSpace(coloured.String()), "\n")
	col := strings.Index(lines[0], "STATUS")

	for i, b := range boards {
		stripped := ansi.ReplaceAllString(lines[i+1], "")
		assert.True(t, strings.HasPrefix(stripped[col:], string(b.Status)),
			"row %d: %q", i+1, stripped)
	}
}

func TestHolder(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	b := labdb.DefaultSeed(now).Boards[1]

	assert.Equal(t, "Alice Engineer (expired)", holder(b, now.Add(2*time.Hour)))
	assert.Equal(t, "-", holder(labdb.DefaultSeed(now).Boards[0], now))
}
