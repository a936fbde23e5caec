package telegram_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allerac/tg-dispatcher/internal/telegram"
)

func TestSplitMessage_ShortMessageIsOnePart(t *testing.T) {
	parts := telegram.SplitMessage("hello", 4096)
	assert.Equal(t, []string{"hello"}, parts)
}

func TestSplitMessage_SplitsAtNewline(t *testing.T) {
	first := strings.Repeat("a", 4090)
	rest := strings.Repeat("b", 909)
	text := first + "\n" + rest

	parts := telegram.SplitMessage(text, telegram.MsgLimit)
	require.Len(t, parts, 2)
	assert.Equal(t, first, parts[0])
	assert.Equal(t, rest, parts[1])
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), telegram.MsgLimit)
	}
}

func TestSplitMessage_FallsBackToSpace(t *testing.T) {
	// No newline anywhere, but a space right before the limit.
	head := strings.Repeat("a", 4000) + " " + strings.Repeat("b", 95)
	text := head + strings.Repeat("c", 50)

	parts := telegram.SplitMessage(text, telegram.MsgLimit)
	require.GreaterOrEqual(t, len(parts), 2)
	assert.False(t, strings.Contains(parts[0], "\n"))
}

func TestSplitMessage_HardSplitWhenNoWhitespace(t *testing.T) {
	text := strings.Repeat("a", 9000)
	parts := telegram.SplitMessage(text, telegram.MsgLimit)
	require.Len(t, parts, 3)
	assert.Equal(t, telegram.MsgLimit, len([]rune(parts[0])))
	assert.Equal(t, telegram.MsgLimit, len([]rune(parts[1])))
	assert.Equal(t, 9000-2*telegram.MsgLimit, len([]rune(parts[2])))
	assert.Equal(t, text, parts[0]+parts[1]+parts[2], "no separator was dropped with no whitespace present")
}

func TestSplitMessage_ConcatenationPreservesContent(t *testing.T) {
	cases := []struct {
		name string
		text string
		sep  string
	}{
		{"newline-separated", strings.Repeat("x", 4090) + "\n" + strings.Repeat("y", 500), "\n"},
		{"space-separated", strings.Repeat("x", 4090) + " " + strings.Repeat("y", 500), " "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts := telegram.SplitMessage(tc.text, telegram.MsgLimit)
			require.Len(t, parts, 2)
			assert.Equal(t, tc.text, parts[0]+tc.sep+parts[1])
		})
	}
}

func TestSplitMessage_EveryPartWithinLimit(t *testing.T) {
	text := strings.Repeat("word ", 5000)
	parts := telegram.SplitMessage(text, telegram.MsgLimit)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), telegram.MsgLimit)
	}
}
