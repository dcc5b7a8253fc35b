package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Turn on pin 18", true},
		{"turn off the LED", true},
		{"Can you read GPIO 23?", true},
		{"set pin 17 high", true},
		{"toggle the relay please", true},
		{"gpio 4 on", true},
		{"PIN 12 LOW", true},
		{"What is the capital of France?", false},
		{"Tell me about the history of bowling pins", false},
		{"turn on the radio", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.text))
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, BasePrompt, SystemPrompt([]int{18}, false))

	p := SystemPrompt([]int{4, 17, 18}, true)
	assert.Contains(t, p, BasePrompt)
	assert.Contains(t, p, "4, 17, 18")
	assert.Contains(t, p, `"is_gpio_command": true`)
	assert.Contains(t, p, ActionSetOutput)
	assert.Contains(t, p, ActionReadInput)
}

func TestExtractDirective(t *testing.T) {
	reply := "Sure, turning on pin 18 now.\n" +
		`{"is_gpio_command": true, "action": "set_output", "pin": 18, "state": "high"}`

	d, rest, err := ExtractDirective(reply)
	require.NoError(t, err)
	assert.True(t, d.IsGPIOCommand)
	assert.Equal(t, ActionSetOutput, d.Action)
	assert.Equal(t, 18, d.Pin)
	assert.Equal(t, "high", d.State)
	assert.Equal(t, "Sure, turning on pin 18 now.", rest)
}

func TestExtractDirective_Fenced(t *testing.T) {
	reply := "Reading it for you.\n```json\n" +
		`{"is_gpio_command": true, "action": "Read_Input", "pin": "23"}` +
		"\n```\nLet me know if you need more."

	d, rest, err := ExtractDirective(reply)
	require.NoError(t, err)
	assert.Equal(t, ActionReadInput, d.Action)
	assert.Equal(t, 23, d.Pin)
	assert.Equal(t, "", d.State)
	assert.Equal(t, "Reading it for you.\n\nLet me know if you need more.", rest)
}

func TestExtractDirective_SkipsOtherObjects(t *testing.T) {
	reply := `Example config: {"name": "x", "nested": {"a": "}"}} and then ` +
		`{"is_gpio_command": true, "action": "set_output", "pin": 5, "state": 1}`

	d, _, err := ExtractDirective(reply)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Pin)
	assert.Equal(t, "1", d.State)
}

func TestExtractDirective_AfterUnclosedBrace(t *testing.T) {
	reply := "Templates look like {name so mind the braces.\n" +
		`{"is_gpio_command": true, "action": "read_input", "pin": 4}`

	d, rest, err := ExtractDirective(reply)
	require.NoError(t, err)
	assert.Equal(t, ActionReadInput, d.Action)
	assert.Equal(t, 4, d.Pin)
	assert.Equal(t, "Templates look like {name so mind the braces.", rest)
}

func TestExtractDirective_NotACommand(t *testing.T) {
	d, _, err := ExtractDirective(`{"is_gpio_command": false}`)
	require.NoError(t, err)
	assert.False(t, d.IsGPIOCommand)
}

func TestExtractDirective_None(t *testing.T) {
	reply := "Paris is the capital of France. {\"unrelated\": 1}"
	d, rest, err := ExtractDirective(reply)
	assert.ErrorIs(t, err, ErrNoDirective)
	assert.Nil(t, d)
	assert.Equal(t, reply, rest)
}

func TestExtractDirective_Malformed(t *testing.T) {
	for _, reply := range []string{
		`{"is_gpio_command": true, "action": "set_output", "pin": "eighteen"}`,
		`{"is_gpio_command": "yes", "pin": 18}`,
		`{"is_gpio_command": true, "action": "set_output"}`,
		`{"is_gpio_command": true, "action": "set_output", "pin": 18`,
		`{"is_gpio_command": true, "pin": 18.5}`,
	} {
		_, _, err := ExtractDirective(reply)
		assert.ErrorIs(t, err, ErrMalformedDirective, reply)
	}
}
