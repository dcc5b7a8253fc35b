// Package gpio is the hardware pin interface: an allow-list checked layer
// over a pluggable Driver that tracks configured directions and the last
// known level of each pin.
//
// A Controller is not safe for concurrent use. gpio-server drives it from a
// single goroutine.
package gpio

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// Int returns 1 for High and 0 for Low.
func (l Level) Int() int {
	if l {
		return 1
	}
	return 0
}

type PinState string

const (
	StateHigh    PinState = "HIGH"
	StateLow     PinState = "LOW"
	StateUnknown PinState = "UNKNOWN"
)

func stateOf(l Level) PinState {
	if l {
		return StateHigh
	}
	return StateLow
}

var (
	ErrInvalidPin    = errors.New("invalid pin")
	ErrNotConfigured = errors.New("pin not configured")
	ErrInvalidState  = errors.New("invalid state")
)

// HardwareError is a failure reported by the driver.
type HardwareError struct {
	Op  string
	Pin int
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("gpio %s on pin %d: %v", e.Op, e.Pin, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// ParseState accepts high/on/1/true and low/off/0/false, case-insensitively.
func ParseState(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "on", "1", "true":
		return High, nil
	case "low", "off", "0", "false":
		return Low, nil
	default:
		return Low, fmt.Errorf("%w: %q (use high, low, on, off, 1 or 0)", ErrInvalidState, s)
	}
}

type Status struct {
	Initialized bool
	ActivePins  []int
	PinStates   map[int]PinState
}

type Controller struct {
	driver      Driver
	validPins   []int
	valid       map[int]bool
	directions  map[int]Direction
	states      map[int]PinState
	initialized bool
}

func NewController(driver Driver, validPins []int) *Controller {
	pins := append([]int(nil), validPins...)
	sort.Ints(pins)

	valid := make(map[int]bool, len(pins))
	for _, p := range pins {
		valid[p] = true
	}

	return &Controller{
		driver:     driver,
		validPins:  pins,
		valid:      valid,
		directions: make(map[int]Direction),
		states:     make(map[int]PinState),
	}
}

func (c *Controller) DriverName() string { return c.driver.Name() }

func (c *Controller) ValidPins() []int { return append([]int(nil), c.validPins...) }

func (c *Controller) IsValidPin(pin int) bool { return c.valid[pin] }

func (c *Controller) checkPin(pin int) error {
	if !c.valid[pin] {
		return fmt.Errorf("%w: %d is not in the allow-list %v", ErrInvalidPin, pin, c.validPins)
	}
	return nil
}

// Configure prepares pin for dir. Configuring a pin for the direction it
// already has is a no-op.
func (c *Controller) Configure(pin int, dir Direction) error {
	if err := c.checkPin(pin); err != nil {
		return err
	}
	if dir != Input && dir != Output {
		return fmt.Errorf("unknown direction %q", dir)
	}
	if c.directions[pin] == dir {
		return nil
	}

	if err := c.driver.Setup(pin, dir); err != nil {
		return &HardwareError{Op: "setup", Pin: pin, Err: err}
	}

	if _, was := c.directions[pin]; was {
		// the old level says nothing about the pin in its new role
		c.states[pin] = StateUnknown
	}
	c.directions[pin] = dir
	c.initialized = true

	log.Debug().Int("pin", pin).Str("direction", string(dir)).Msg("Pin configured")
	return nil
}

func (c *Controller) Write(pin int, level Level) error {
	if err := c.checkPin(pin); err != nil {
		return err
	}
	if c.directions[pin] != Output {
		return fmt.Errorf("%w: pin %d is not configured as output", ErrNotConfigured, pin)
	}

	if err := c.driver.Write(pin, level); err != nil {
		return &HardwareError{Op: "write", Pin: pin, Err: err}
	}
	c.states[pin] = stateOf(level)

	log.Info().Int("pin", pin).Str("state", level.String()).Msg("GPIO pin set")
	return nil
}

func (c *Controller) Read(pin int) (Level, error) {
	if err := c.checkPin(pin); err != nil {
		return Low, err
	}
	if _, ok := c.directions[pin]; !ok {
		return Low, fmt.Errorf("%w: pin %d has not been set up", ErrNotConfigured, pin)
	}

	level, err := c.driver.Read(pin)
	if err != nil {
		return Low, &HardwareError{Op: "read", Pin: pin, Err: err}
	}
	c.states[pin] = stateOf(level)
	return level, nil
}

// Direction reports how pin is configured, if at all.
func (c *Controller) Direction(pin int) (Direction, bool) {
	dir, ok := c.directions[pin]
	return dir, ok
}

func (c *Controller) State(pin int) PinState {
	if s, ok := c.states[pin]; ok {
		return s
	}
	return StateUnknown
}

func (c *Controller) Status() Status {
	active := make([]int, 0, len(c.directions))
	for pin := range c.directions {
		active = append(active, pin)
	}
	sort.Ints(active)

	states := make(map[int]PinState, len(active))
	for _, pin := range active {
		states[pin] = c.State(pin)
	}

	return Status{
		Initialized: c.initialized,
		ActivePins:  active,
		PinStates:   states,
	}
}

// Describe returns the driver's own view of the allow-listed pins, or nil
// when the driver cannot describe pins.
func (c *Controller) Describe() (map[int]string, error) {
	d, ok := c.driver.(Describer)
	if !ok {
		return nil, nil
	}
	all, err := d.Describe()
	if err != nil {
		return nil, &HardwareError{Op: "describe", Pin: -1, Err: err}
	}
	out := make(map[int]string)
	for pin, desc := range all {
		if c.valid[pin] {
			out[pin] = desc
		}
	}
	return out, nil
}

// Cleanup releases every configured pin and forgets all pin states. It is
// safe to call more than once.
func (c *Controller) Cleanup() error {
	var errs []error
	for pin := range c.directions {
		if err := c.driver.Release(pin); err != nil {
			errs = append(errs, &HardwareError{Op: "release", Pin: pin, Err: err})
		}
	}

	released := len(c.directions)
	c.directions = make(map[int]Direction)
	c.states = make(map[int]PinState)
	c.initialized = false

	if released > 0 {
		log.Info().Int("pins", released).Msg("GPIO cleanup completed")
	}
	return errors.Join(errs...)
}

// Close cleans up and releases the driver.
func (c *Controller) Close() error {
	cleanupErr := c.Cleanup()
	return errors.Join(cleanupErr, c.driver.Close())
}
