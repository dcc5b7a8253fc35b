// Package detector spots hardware-control intent in a question and pulls the
// structured GPIO directive back out of the assistant's reply. Both are
// heuristics: a miss only means the question is answered as plain chat.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	ActionSetOutput = "set_output"
	ActionReadInput = "read_input"
)

const BasePrompt = "You are a helpful assistant."

var (
	ErrNoDirective        = errors.New("no gpio directive in reply")
	ErrMalformedDirective = errors.New("malformed gpio directive")
)

var (
	pinToken    = regexp.MustCompile(`(?i)\b(pins?|gpios?|leds?|relays?)\b`)
	controlVerb = regexp.MustCompile(`(?i)\b(turn\s+on|turn\s+off|switch|set|toggle|read|check|high|low|enable|disable|activate|deactivate)\b`)
	pinRef      = regexp.MustCompile(`(?i)\b(gpio|pin)\s*#?\s*\d+\b`)
	stateWord   = regexp.MustCompile(`(?i)\b(on|off|high|low)\b`)
	fenceLine   = regexp.MustCompile("(?m)^[ \t]*```[a-zA-Z]*[ \t]*$\n?")
)

// Detect reports whether text looks like a request to drive or read a pin.
func Detect(text string) bool {
	if pinToken.MatchString(text) && controlVerb.MatchString(text) {
		return true
	}
	return pinRef.MatchString(text) && stateWord.MatchString(text)
}

// SystemPrompt returns the system message for a question. When detected is
// set it also asks for a directive describing the pin operation.
func SystemPrompt(validPins []int, detected bool) string {
	if !detected {
		return BasePrompt
	}

	pins := make([]string, len(validPins))
	for i, p := range validPins {
		pins[i] = strconv.Itoa(p)
	}

	return fmt.Sprintf(`%s

The user may be asking you to control the GPIO pins of a Raspberry Pi. Pins use BCM numbering and only these pins may be used: %s.

If the user wants to set or read a pin, reply with a short sentence and then exactly one JSON object on its own line:
{"is_gpio_command": true, "action": "set_output", "pin": 18, "state": "high"}

- "action" is "set_output" to drive a pin or "read_input" to read it
- "state" is "high" or "low" and is only needed for set_output
- use the pin number the user gave even if it is not in the list

If the request is not a pin operation, answer normally and do not include the JSON object.`,
		BasePrompt, strings.Join(pins, ", "))
}

// Directive is the pin operation requested by the assistant.
type Directive struct {
	IsGPIOCommand bool
	Action        string
	Pin           int
	State         string
}

type rawDirective struct {
	IsGPIOCommand *bool           `json:"is_gpio_command"`
	Action        string          `json:"action"`
	Pin           json.Number     `json:"pin"`
	State         json.RawMessage `json:"state"`
}

// ExtractDirective finds the first JSON object in reply that carries
// is_gpio_command. It returns the directive and the reply with the object
// (and any code fence around it) removed.
func ExtractDirective(reply string) (*Directive, string, error) {
	start, end, ok := findCandidate(reply)
	if !ok {
		if i := strings.Index(reply, "{"); i >= 0 && strings.Contains(reply[i:], `"is_gpio_command"`) {
			return nil, reply, fmt.Errorf("%w: unterminated object", ErrMalformedDirective)
		}
		return nil, reply, ErrNoDirective
	}

	rest := strings.TrimSpace(fenceLine.ReplaceAllString(reply[:start]+reply[end:], ""))

	var raw rawDirective
	if err := json.Unmarshal([]byte(reply[start:end]), &raw); err != nil {
		return nil, rest, fmt.Errorf("%w: %v", ErrMalformedDirective, err)
	}
	if raw.IsGPIOCommand == nil {
		return nil, rest, fmt.Errorf("%w: is_gpio_command is not a boolean", ErrMalformedDirective)
	}

	d := &Directive{
		IsGPIOCommand: *raw.IsGPIOCommand,
		Action:        strings.ToLower(strings.TrimSpace(raw.Action)),
		State:         stateText(raw.State),
	}

	if raw.Pin != "" {
		pin, err := raw.Pin.Int64()
		if err != nil {
			return nil, rest, fmt.Errorf("%w: pin %q is not an integer", ErrMalformedDirective, raw.Pin)
		}
		d.Pin = int(pin)
	} else if d.IsGPIOCommand {
		return nil, rest, fmt.Errorf("%w: missing pin", ErrMalformedDirective)
	}

	return d, rest, nil
}

// findCandidate returns the bounds of the first balanced {...} that
// mentions is_gpio_command. Braces inside JSON strings are ignored, and a
// brace that is never closed is skipped.
func findCandidate(s string) (int, int, bool) {
	for from := 0; from < len(s); {
		i := strings.IndexByte(s[from:], '{')
		if i < 0 {
			return 0, 0, false
		}
		start := from + i
		end, ok := matchBrace(s, start)
		if ok && strings.Contains(s[start:end], `"is_gpio_command"`) {
			return start, end, true
		}
		from = start + 1
	}
	return 0, 0, false
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func stateText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
