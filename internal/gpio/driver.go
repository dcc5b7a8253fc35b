package gpio

import (
	"fmt"
	"sync"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/pinctrl"
)

// Driver performs raw pin access. Controller guarantees it is only called
// for allow-listed pins.
type Driver interface {
	Name() string
	Setup(pin int, dir Direction) error
	Write(pin int, level Level) error
	Read(pin int) (Level, error)
	Release(pin int) error
	Close() error
}

// Describer is implemented by drivers that can report the hardware's own
// view of each pin, keyed by BCM number.
type Describer interface {
	Describe() (map[int]string, error)
}

func NewDriver(name string) (Driver, error) {
	switch name {
	case "pinctrl":
		return &PinctrlDriver{}, nil
	case "periph":
		return &PeriphDriver{}, nil
	case "sim":
		return NewSimDriver(), nil
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", name)
	}
}

// PinctrlDriver shells out to the Raspberry Pi pinctrl tool.
type PinctrlDriver struct{}

func (d *PinctrlDriver) Name() string { return "pinctrl" }

func (d *PinctrlDriver) Setup(pin int, dir Direction) error {
	mode, opts := "ip", []string{"ip", "pn"}
	if dir == Output {
		mode, opts = "op", []string{"op", "pn", "dl"}
	}
	if err := pinctrl.SetPin(pin, opts...); err != nil {
		return err
	}
	return pinctrl.VerifyMode(pin, mode)
}

func (d *PinctrlDriver) Write(pin int, level Level) error {
	if level {
		return pinctrl.SetPin(pin, "op", "pn", "dh")
	}
	return pinctrl.SetPin(pin, "op", "pn", "dl")
}

func (d *PinctrlDriver) Read(pin int) (Level, error) {
	level, err := pinctrl.ReadLevel(pin)
	return Level(level), err
}

func (d *PinctrlDriver) Release(pin int) error {
	return pinctrl.SetPin(pin, "ip", "pn")
}

func (d *PinctrlDriver) Close() error { return nil }

func (d *PinctrlDriver) Describe() (map[int]string, error) {
	all, err := pinctrl.ReadAllPins()
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(all))
	for pin, ps := range all {
		out[pin] = fmt.Sprintf("%s %s %s | %s", ps.Mode, ps.Pull, ps.Drive, ps.Level)
	}
	return out, nil
}

// SimDriver keeps pins in memory. Input levels can be preset with SetInput.
type SimDriver struct {
	mu         sync.Mutex
	directions map[int]Direction
	levels     map[int]Level
	calls      int
	closed     bool
}

func NewSimDriver() *SimDriver {
	return &SimDriver{
		directions: make(map[int]Direction),
		levels:     make(map[int]Level),
	}
}

func (d *SimDriver) Name() string { return "sim" }

func (d *SimDriver) Setup(pin int, dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.directions[pin] = dir
	if dir == Output {
		d.levels[pin] = Low
	}
	return nil
}

func (d *SimDriver) Write(pin int, level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.directions[pin] != Output {
		return fmt.Errorf("pin %d is not an output", pin)
	}
	d.levels[pin] = level
	return nil
}

func (d *SimDriver) Read(pin int) (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.levels[pin], nil
}

func (d *SimDriver) Release(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	delete(d.directions, pin)
	return nil
}

func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// SetInput sets the level the simulated pin presents to a read.
func (d *SimDriver) SetInput(pin int, level Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels[pin] = level
}

// Calls returns the number of hardware operations performed so far.
func (d *SimDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *SimDriver) Describe() (map[int]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]string, len(d.directions))
	for pin, dir := range d.directions {
		out[pin] = fmt.Sprintf("%s %s", dir, d.levels[pin])
	}
	return out, nil
}
