package gpio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPins = []int{4, 5, 6, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}

func newTestController() (*Controller, *SimDriver) {
	sim := NewSimDriver()
	return NewController(sim, testPins), sim
}

type failingDriver struct {
	*SimDriver
	err error
}

func (d *failingDriver) Write(int, Level) error { return d.err }
func (d *failingDriver) Read(int) (Level, error) {
	return Low, d.err
}

func TestParseState(t *testing.T) {
	for _, in := range []string{"high", "HIGH", "On", "1", "true", " high "} {
		l, err := ParseState(in)
		require.NoError(t, err, in)
		assert.Equal(t, High, l, in)
	}
	for _, in := range []string{"low", "LOW", "off", "0", "False"} {
		l, err := ParseState(in)
		require.NoError(t, err, in)
		assert.Equal(t, Low, l, in)
	}
	for _, in := range []string{"", "2", "hi", "maybe"} {
		_, err := ParseState(in)
		assert.ErrorIs(t, err, ErrInvalidState, in)
	}
}

func TestInvalidPinNeverReachesDriver(t *testing.T) {
	c, sim := newTestController()

	for _, pin := range []int{-1, 0, 1, 2, 3, 7, 14, 28, 40} {
		assert.ErrorIs(t, c.Configure(pin, Output), ErrInvalidPin)
		assert.ErrorIs(t, c.Write(pin, High), ErrInvalidPin)
		_, err := c.Read(pin)
		assert.ErrorIs(t, err, ErrInvalidPin)
		assert.False(t, c.IsValidPin(pin))
	}

	assert.Zero(t, sim.Calls())
}

func TestWriteRequiresOutput(t *testing.T) {
	c, _ := newTestController()

	assert.ErrorIs(t, c.Write(18, High), ErrNotConfigured)

	require.NoError(t, c.Configure(18, Input))
	assert.ErrorIs(t, c.Write(18, High), ErrNotConfigured)
}

func TestReadRequiresConfigure(t *testing.T) {
	c, _ := newTestController()

	_, err := c.Read(18)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWriteThenRead(t *testing.T) {
	c, _ := newTestController()
	require.NoError(t, c.Configure(18, Output))

	for _, level := range []Level{High, Low, High} {
		require.NoError(t, c.Write(18, level))
		got, err := c.Read(18)
		require.NoError(t, err)
		assert.Equal(t, level, got)
		assert.Equal(t, PinState(level.String()), c.State(18))
	}
}

func TestConfigureIdempotent(t *testing.T) {
	c, sim := newTestController()

	require.NoError(t, c.Configure(17, Output))
	calls := sim.Calls()
	require.NoError(t, c.Configure(17, Output))
	assert.Equal(t, calls, sim.Calls())

	require.NoError(t, c.Write(17, High))
	assert.Equal(t, StateHigh, c.State(17))

	// switching direction reconfigures and forgets the driven level
	require.NoError(t, c.Configure(17, Input))
	dir, ok := c.Direction(17)
	require.True(t, ok)
	assert.Equal(t, Input, dir)
	assert.Equal(t, StateUnknown, c.State(17))
}

func TestReadInput(t *testing.T) {
	c, sim := newTestController()
	require.NoError(t, c.Configure(23, Input))

	sim.SetInput(23, High)
	l, err := c.Read(23)
	require.NoError(t, err)
	assert.Equal(t, High, l)
	assert.Equal(t, StateHigh, c.State(23))
}

func TestStatus(t *testing.T) {
	c, _ := newTestController()

	st := c.Status()
	assert.False(t, st.Initialized)
	assert.Empty(t, st.ActivePins)

	require.NoError(t, c.Configure(27, Output))
	require.NoError(t, c.Configure(4, Input))
	require.NoError(t, c.Write(27, High))

	st = c.Status()
	assert.True(t, st.Initialized)
	assert.Equal(t, []int{4, 27}, st.ActivePins)
	assert.Equal(t, StateHigh, st.PinStates[27])
	assert.Equal(t, StateUnknown, st.PinStates[4])
}

func TestCleanupIdempotent(t *testing.T) {
	c, _ := newTestController()

	require.NoError(t, c.Cleanup())

	require.NoError(t, c.Configure(18, Output))
	require.NoError(t, c.Write(18, High))

	require.NoError(t, c.Cleanup())
	require.NoError(t, c.Cleanup())

	assert.Equal(t, StateUnknown, c.State(18))
	assert.False(t, c.Status().Initialized)
	assert.ErrorIs(t, c.Write(18, High), ErrNotConfigured)
}

func TestHardwareErrorWrapped(t *testing.T) {
	boom := errors.New("bus fault")
	c := NewController(&failingDriver{SimDriver: NewSimDriver(), err: boom}, testPins)

	require.NoError(t, c.Configure(18, Output))

	err := c.Write(18, High)
	var hw *HardwareError
	require.ErrorAs(t, err, &hw)
	assert.Equal(t, "write", hw.Op)
	assert.Equal(t, 18, hw.Pin)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateUnknown, c.State(18))

	_, err = c.Read(18)
	assert.ErrorAs(t, err, &hw)
}

func TestValidPinsSortedCopy(t *testing.T) {
	c := NewController(NewSimDriver(), []int{27, 4, 18})
	pins := c.ValidPins()
	assert.Equal(t, []int{4, 18, 27}, pins)

	pins[0] = 99
	assert.Equal(t, []int{4, 18, 27}, c.ValidPins())
}

func TestNewDriver(t *testing.T) {
	for _, name := range []string{"pinctrl", "periph", "sim"} {
		d, err := NewDriver(name)
		require.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}
	_, err := NewDriver("wiringpi")
	assert.Error(t, err)
}

func TestPhysicalPin(t *testing.T) {
	for bcm, phys := range map[int]int{4: 7, 17: 11, 18: 12, 27: 13, 21: 40} {
		got, ok := PhysicalPin(bcm)
		require.True(t, ok)
		assert.Equal(t, phys, got)
	}
	for _, bcm := range testPins {
		_, ok := PhysicalPin(bcm)
		assert.True(t, ok, "pin %d", bcm)
	}
	_, ok := PhysicalPin(40)
	assert.False(t, ok)
}
