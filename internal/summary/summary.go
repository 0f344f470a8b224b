// Package summary compresses a set of option strings into a per-column
// consensus signature so a reviewer can tell at a glance whether an option
// slot is uniform across a group or varies.
package summary

import "strings"

const (
	// Placeholder is how a disagreeing column is rendered by Join.
	Placeholder = "*"
	// VariesMarker is the coarse display value for a summary that contains
	// at least one disagreeing column.
	VariesMarker = "varies"
)

// Summarize compares values column by column (rune index) and returns one
// symbol per column: the shared character when every value has the same
// character there, or the empty string when they disagree. A nil value is
// absent and never matches, and a value shorter than the column never
// matches either. The result is as long as the longest value.
func Summarize(values []*string) []string {
	if len(values) == 0 {
		return []string{}
	}
	columns := make([][]rune, len(values))
	width := 0
	for i, value := range values {
		if value == nil {
			continue
		}
		columns[i] = []rune(*value)
		if len(columns[i]) > width {
			width = len(columns[i])
		}
	}

	out := make([]string, width)
	for col := 0; col < width; col++ {
		out[col] = consensus(values, columns, col)
	}
	return out
}

func consensus(values []*string, columns [][]rune, col int) string {
	var common rune
	for i, value := range values {
		if value == nil || col >= len(columns[i]) {
			return ""
		}
		r := columns[i][col]
		if i == 0 {
			common = r
			continue
		}
		if r != common {
			return ""
		}
	}
	return string(common)
}

// Varies reports whether any column of a Summarize result disagreed.
func Varies(symbols []string) bool {
	for _, symbol := range symbols {
		if symbol == "" {
			return true
		}
	}
	return false
}

// Join renders a Summarize result as a single string, writing placeholder
// for each disagreeing column.
func Join(symbols []string, placeholder string) string {
	var b strings.Builder
	for _, symbol := range symbols {
		if symbol == "" {
			b.WriteString(placeholder)
			continue
		}
		b.WriteString(symbol)
	}
	return b.String()
}

// Collapse returns marker when the slot varies and the joined summary
// otherwise.
func Collapse(joined string, varies bool, marker string) string {
	if varies {
		return marker
	}
	return joined
}
