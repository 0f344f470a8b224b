package summary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(value string) *string {
	return &value
}

func TestSummarizeEmptyInput(t *testing.T) {
	require.Empty(t, Summarize(nil))
	require.Empty(t, Summarize([]*string{}))
}

func TestSummarizeIdenticalValuesReturnsValue(t *testing.T) {
	for _, value := range []string{"x", "1.0.2", "release/2024-01", "naïve"} {
		symbols := Summarize([]*string{ptr(value), ptr(value), ptr(value)})
		assert.False(t, Varies(symbols), value)
		assert.Equal(t, value, Join(symbols, Placeholder), value)
	}
}

func TestSummarizeMarksEveryDisagreeingColumn(t *testing.T) {
	symbols := Summarize([]*string{ptr("1.0.2"), ptr("1.1.2"), ptr("1.0.3")})
	require.Len(t, symbols, 5)
	assert.Equal(t, []string{"1", ".", "", ".", ""}, symbols)
	assert.True(t, Varies(symbols))
	assert.Equal(t, "1.*.*", Join(symbols, Placeholder))
}

func TestSummarizeShorterValuesNeverMatchTrailingColumns(t *testing.T) {
	symbols := Summarize([]*string{ptr("abc"), ptr("ab")})
	assert.Equal(t, "ab*", Join(symbols, Placeholder))

	symbols = Summarize([]*string{ptr(""), ptr("x")})
	assert.Equal(t, "*", Join(symbols, Placeholder))
}

func TestSummarizeAbsentValueForcesPlaceholder(t *testing.T) {
	symbols := Summarize([]*string{ptr("xy"), nil})
	assert.Equal(t, []string{"", ""}, symbols)
	assert.True(t, Varies(symbols))

	assert.Empty(t, Summarize([]*string{nil, nil}))
}

func TestSummarizeSingleValue(t *testing.T) {
	symbols := Summarize([]*string{ptr("only")})
	assert.Equal(t, "only", Join(symbols, Placeholder))
}

func TestSummarizePlaceholderLikeCharacterStillAgrees(t *testing.T) {
	symbols := Summarize([]*string{ptr("a*"), ptr("a*")})
	assert.False(t, Varies(symbols))
	assert.Equal(t, "a*", Join(symbols, Placeholder))
}

func TestCollapse(t *testing.T) {
	assert.Equal(t, "x", Collapse("x", false, VariesMarker))
	assert.Equal(t, VariesMarker, Collapse("1.*", true, VariesMarker))
}
