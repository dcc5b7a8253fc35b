package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver talks to the SoC through periph.io. Pins are addressed by
// their BCM names ("GPIO18"). The host is initialised on first use.
type PeriphDriver struct {
	once    sync.Once
	initErr error
}

func (d *PeriphDriver) Name() string { return "periph" }

func (d *PeriphDriver) pin(n int) (gpio.PinIO, error) {
	d.once.Do(func() {
		_, d.initErr = host.Init()
	})
	if d.initErr != nil {
		return nil, fmt.Errorf("periph host init: %w", d.initErr)
	}
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
	if p == nil {
		return nil, fmt.Errorf("no GPIO%d on this host", n)
	}
	return p, nil
}

func (d *PeriphDriver) Setup(n int, dir Direction) error {
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	if dir == Output {
		return p.Out(gpio.Low)
	}
	return p.In(gpio.PullNoChange, gpio.NoEdge)
}

func (d *PeriphDriver) Write(n int, level Level) error {
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(level))
}

func (d *PeriphDriver) Read(n int) (Level, error) {
	p, err := d.pin(n)
	if err != nil {
		return Low, err
	}
	return Level(p.Read() == gpio.High), nil
}

// Release returns the pin to a floating input, the power-on default.
func (d *PeriphDriver) Release(n int) error {
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	return p.In(gpio.Float, gpio.NoEdge)
}

func (d *PeriphDriver) Close() error { return nil }
