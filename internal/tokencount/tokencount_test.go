package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimate_EmptyIsZero(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, Estimate(""))
}

func TestEstimate_NonEmptyIsPositive(t *testing.T) {
	t.Parallel()
	require.Greater(t, Estimate("hello world"), 0)
}

func TestHeuristic_CountsWordsAndPunctuation(t *testing.T) {
	t.Parallel()
	// "hello" "," "world" "!"
	require.Equal(t, 4, heuristic("hello, world!"))
	require.Equal(t, 1, heuristic("word"))
	require.Equal(t, 0, heuristic("   "))
}
