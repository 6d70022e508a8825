package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNarrative(t *testing.T) {
	raw := "The keeper lifts the bottle from the surf.\n\nInside is a map.\n\nCHOICE: Follow the map\nchoice: Throw it back\n"

	got, err := ParseNarrative(raw)
	require.NoError(t, err)

	assert.Equal(t, "The keeper lifts the bottle from the surf.\n\nInside is a map.", got.Text)
	assert.Equal(t, []string{"Follow the map", "Throw it back"}, got.Choices)
	assert.False(t, got.IsEnd)
}

func TestParseNarrative_Ending(t *testing.T) {
	got, err := ParseNarrative("The lamp goes dark for the last time.\n**The End.**")
	require.NoError(t, err)

	assert.True(t, got.IsEnd)
	assert.Empty(t, got.Choices)
	assert.Equal(t, "The lamp goes dark for the last time.", got.Text)
}

func TestParseNarrative_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: "   \n"},
		{name: "only choices", raw: "CHOICE: a\nCHOICE: b"},
		{name: "no choices and no ending", raw: "A scene with nowhere to go."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseNarrative(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestChatMessages(t *testing.T) {
	system, user := ChatMessages(Spec{Prompt: "Open the door", History: []string{"A hall.", "A door."}, Mode: "horror"})
	assert.Contains(t, system, "horror")
	assert.Contains(t, user, "A hall.")
	assert.Contains(t, user, "The reader chose: Open the door")

	_, opening := ChatMessages(Spec{Prompt: "A lighthouse keeper finds a bottle"})
	assert.Equal(t, "Opening premise: A lighthouse keeper finds a bottle", opening)
}
