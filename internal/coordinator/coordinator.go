// Package coordinator answers chat questions and carries out the GPIO
// directives embedded in the answers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/commandclient"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/datadog"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/detector"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/gpio"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/openai"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/protocol"
)

// Failure kinds added on top of the bridge's.
const (
	KindMalformedDirective = "MalformedDirective"
	KindServerUnavailable  = "ServerUnavailable"
	KindInvalidParams      = protocol.KindInvalidParams
	KindInvalidPin         = protocol.KindInvalidPin
)

var (
	ErrEmptyQuestion = errors.New("no question provided")
	ErrNoJournal     = errors.New("journal not configured")
)

// UpstreamError is a failed chat-completion call. StatusCode is the API's
// HTTP status, or 0 when no answer was received.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat completion failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Chat interface {
	Complete(ctx context.Context, messages []openai.Message) (string, error)
}

type Bridge interface {
	SetPin(ctx context.Context, pin int, state string) (*protocol.PinResult, error)
	ReadPin(ctx context.Context, pin int) (*protocol.PinResult, error)
	GetStatus(ctx context.Context) (*protocol.StatusResult, error)
	ListValidPins(ctx context.Context) (*protocol.PinsResult, error)
	Available() bool
}

type Journal interface {
	RecordGPIOAction(a model.GPIOAction) error
	RecordChat(c model.ChatExchange) error
}

type historyJournal interface {
	RecentGPIOActions(limit int) ([]model.GPIOAction, error)
}

type Options struct {
	ValidPins []int
	// TrustUnpromptedDirectives honours directives in replies to questions
	// the detector did not flag.
	TrustUnpromptedDirectives bool
}

type Coordinator struct {
	chat      Chat
	bridge    Bridge
	journal   Journal
	validPins []int
	valid     map[int]bool
	trust     bool
}

// New builds a Coordinator. bridge is nil when GPIO is disabled and journal
// is nil when nothing should be recorded.
func New(chat Chat, bridge Bridge, journal Journal, opts Options) *Coordinator {
	valid := make(map[int]bool, len(opts.ValidPins))
	for _, p := range opts.ValidPins {
		valid[p] = true
	}
	return &Coordinator{
		chat:      chat,
		bridge:    bridge,
		journal:   journal,
		validPins: append([]int(nil), opts.ValidPins...),
		valid:     valid,
		trust:     opts.TrustUnpromptedDirectives,
	}
}

func (c *Coordinator) GPIOAvailable() bool {
	return c.bridge != nil && c.bridge.Available()
}

func (c *Coordinator) IsValidPin(pin int) bool { return c.valid[pin] }

// Ask answers question and, when the reply carries a directive that may be
// honoured, performs it. Only an empty question or a failed chat call is an
// error; GPIO problems are reported in the result.
func (c *Coordinator) Ask(ctx context.Context, question string) (*model.ChatResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	detected := detector.Detect(question)
	messages := []openai.Message{
		{Role: "system", Content: detector.SystemPrompt(c.validPins, detected)},
		{Role: "user", Content: question},
	}

	start := time.Now()
	reply, err := c.chat.Complete(ctx, messages)
	datadog.Timing("chat.latency", time.Since(start))
	if err != nil {
		datadog.Incr("chat.request", "outcome:error")
		c.recordChat(model.ChatExchange{Question: question, GPIODetected: detected, Success: false})
		upstream := &UpstreamError{Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			upstream.StatusCode = apiErr.StatusCode
		}
		return nil, upstream
	}
	datadog.Incr("chat.request", "outcome:ok")

	result := &model.ChatResult{
		Question:     question,
		Answer:       reply,
		Success:      true,
		GPIODetected: detected,
	}

	directive, rest, derr := detector.ExtractDirective(reply)
	if rest != "" {
		result.Answer = rest
	}

	switch {
	case errors.Is(derr, detector.ErrNoDirective):
	case errors.Is(derr, detector.ErrMalformedDirective):
		log.Warn().Err(derr).Str("question", question).Msg("Ignoring malformed GPIO directive")
	case derr != nil:
		log.Warn().Err(derr).Msg("Could not extract GPIO directive")
	case !directive.IsGPIOCommand:
	case !detected && !c.trust:
		log.Info().
			Int("pin", directive.Pin).
			Str("action", directive.Action).
			Msg("Ignoring GPIO directive for a question that did not ask for one")
	default:
		result.GPIOResult = c.runDirective(ctx, directive)
	}

	result.GPIOAvailable = c.GPIOAvailable()
	c.recordChat(model.ChatExchange{Question: question, Answer: result.Answer, GPIODetected: detected, Success: true})
	return result, nil
}

func (c *Coordinator) runDirective(ctx context.Context, d *detector.Directive) *model.GPIOResult {
	if c.valid[d.Pin] {
		var problem string
		switch d.Action {
		case detector.ActionSetOutput:
			if _, err := gpio.ParseState(d.State); err != nil {
				problem = fmt.Sprintf("directive state %q is not a pin level", d.State)
			}
		case detector.ActionReadInput:
		default:
			problem = fmt.Sprintf("directive action %q is not recognised", d.Action)
		}
		if problem != "" {
			res := failure(d.Action, d.Pin, KindMalformedDirective, problem)
			c.recordAction(model.SourceChat, d.State, res)
			return res
		}
	}
	return c.ExecuteGPIO(ctx, d.Action, d.Pin, d.State, model.SourceChat)
}

// ExecuteGPIO performs one pin operation through the bridge. The pin is
// checked against the allow-list before anything is sent.
func (c *Coordinator) ExecuteGPIO(ctx context.Context, action string, pin int, state, source string) *model.GPIOResult {
	res := c.executeGPIO(ctx, action, pin, state)

	outcome := "ok"
	if !res.Success {
		outcome = "error"
	}
	datadog.Incr("gpio.action", "action:"+action, "outcome:"+outcome, "source:"+source)

	c.recordAction(source, state, res)
	return res
}

func (c *Coordinator) executeGPIO(ctx context.Context, action string, pin int, state string) *model.GPIOResult {
	if !c.valid[pin] {
		return failure(action, pin, KindInvalidPin, fmt.Sprintf("Invalid pin number: %d", pin))
	}

	var call func() (*protocol.PinResult, error)
	switch action {
	case detector.ActionSetOutput:
		level, err := gpio.ParseState(state)
		if err != nil {
			return failure(action, pin, KindInvalidParams, err.Error())
		}
		call = func() (*protocol.PinResult, error) { return c.bridge.SetPin(ctx, pin, level.String()) }
	case detector.ActionReadInput:
		call = func() (*protocol.PinResult, error) { return c.bridge.ReadPin(ctx, pin) }
	default:
		return failure(action, pin, KindInvalidParams, fmt.Sprintf("unknown action %q (use %s or %s)", action, detector.ActionSetOutput, detector.ActionReadInput))
	}

	if c.bridge == nil {
		return failure(action, pin, KindServerUnavailable, "GPIO is disabled")
	}

	pr, err := call()
	if err != nil {
		kind := commandclient.Kind(err)
		if kind == "" {
			kind = protocol.KindInternal
		}
		msg := err.Error()
		var re *commandclient.RemoteError
		if errors.As(err, &re) {
			msg = re.Message
		}
		log.Warn().Err(err).Int("pin", pin).Str("action", action).Str("kind", kind).Msg("GPIO action failed")
		return failure(action, pin, kind, msg)
	}

	value := pr.GPIOValue
	return &model.GPIOResult{
		Success:   pr.Success,
		Action:    action,
		Pin:       pr.Pin,
		State:     pr.State,
		GPIOValue: &value,
		Message:   pr.Message,
	}
}

// Status asks the server for the controller status.
func (c *Coordinator) Status(ctx context.Context) (*protocol.StatusResult, error) {
	if c.bridge == nil {
		return nil, fmt.Errorf("%w: GPIO is disabled", commandclient.ErrServerUnavailable)
	}
	return c.bridge.GetStatus(ctx)
}

// ValidPins lists the usable pins, from the server when it is reachable and
// from local configuration otherwise.
func (c *Coordinator) ValidPins(ctx context.Context) *protocol.PinsResult {
	if c.GPIOAvailable() {
		res, err := c.bridge.ListValidPins(ctx)
		if err == nil {
			return res
		}
		log.Warn().Err(err).Msg("Falling back to configured pin list")
	}

	mapping := make(map[string]int, len(c.validPins))
	for _, pin := range c.validPins {
		if phys, ok := gpio.PhysicalPin(pin); ok {
			mapping[fmt.Sprintf("GPIO%d", pin)] = phys
		}
	}
	return &protocol.PinsResult{
		ValidPins:       append([]int(nil), c.validPins...),
		NumberingMode:   "BCM",
		TotalPins:       len(c.validPins),
		PhysicalMapping: mapping,
	}
}

func (c *Coordinator) History(limit int) ([]model.GPIOAction, error) {
	hj, ok := c.journal.(historyJournal)
	if !ok || c.journal == nil {
		return nil, ErrNoJournal
	}
	return hj.RecentGPIOActions(limit)
}

func (c *Coordinator) recordAction(source, requestedState string, res *model.GPIOResult) {
	if c.journal == nil {
		return
	}
	state := res.State
	if state == "" && res.Action == detector.ActionSetOutput {
		state = requestedState
	}
	err := c.journal.RecordGPIOAction(model.GPIOAction{
		Source:    source,
		Action:    res.Action,
		Pin:       res.Pin,
		State:     state,
		Success:   res.Success,
		Message:   res.Message,
		ErrorKind: res.ErrorKind,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to journal GPIO action")
	}
}

func (c *Coordinator) recordChat(ex model.ChatExchange) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordChat(ex); err != nil {
		log.Warn().Err(err).Msg("Failed to journal chat exchange")
	}
}

func failure(action string, pin int, kind, msg string) *model.GPIOResult {
	return &model.GPIOResult{
		Success:   false,
		Action:    action,
		Pin:       pin,
		Message:   msg,
		ErrorKind: kind,
	}
}
