package commandclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/commandserver"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/gpio"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/protocol"
)

var testPins = []int{4, 5, 6, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}

// The test binary doubles as a gpio-server for the exec launcher test.
func TestMain(m *testing.M) {
	if os.Getenv("GPIO_BRIDGE_HELPER") == "1" {
		srv := commandserver.New(gpio.NewController(gpio.NewSimDriver(), testPins), "helper")
		if err := srv.Run(os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var errKilled = errors.New("signal: killed")

type serveFunc func(in io.Reader, out io.Writer, killed <-chan struct{}) error

// pipeProcess runs a server function on in-memory pipes.
type pipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exit    chan error
	killed  chan struct{}
	once    sync.Once
}

func startPipeProcess(serve serveFunc) *pipeProcess {
	p := &pipeProcess{exit: make(chan error, 1), killed: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go func() {
		err := serve(p.stdinR, p.stdoutW, p.killed)
		p.stdoutW.Close()
		p.exit <- err
	}()
	return p
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *pipeProcess) Wait() error           { return <-p.exit }

func (p *pipeProcess) Kill() error {
	p.once.Do(func() {
		close(p.killed)
		p.stdinR.CloseWithError(errKilled)
		p.stdoutW.CloseWithError(errKilled)
	})
	return nil
}

type countingLauncher struct {
	serve    serveFunc
	launches atomic.Int32
}

func (l *countingLauncher) Launch(ctx context.Context) (Process, error) {
	l.launches.Add(1)
	return startPipeProcess(l.serve), nil
}

func realServer() serveFunc {
	return func(in io.Reader, out io.Writer, _ <-chan struct{}) error {
		ctrl := gpio.NewController(gpio.NewSimDriver(), testPins)
		defer ctrl.Cleanup()
		return commandserver.New(ctrl, "test").Run(in, out)
	}
}

// scripted answers initialize itself and hands every other request to handle.
// A non-nil error from handle makes the server exit with it.
func scripted(handle func(req protocol.Request, enc *json.Encoder) error) serveFunc {
	return func(in io.Reader, out io.Writer, _ <-chan struct{}) error {
		scanner := bufio.NewScanner(in)
		enc := json.NewEncoder(out)
		for scanner.Scan() {
			var req protocol.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return err
			}
			if req.Method == protocol.MethodInitialize {
				reply(enc, req.ID, protocol.InitializeResult{ServerInfo: protocol.ServerInfo{Name: "scripted"}})
				continue
			}
			if err := handle(req, enc); err != nil {
				return err
			}
		}
		return nil
	}
}

func reply(enc *json.Encoder, id json.RawMessage, v any) {
	body, _ := json.Marshal(v)
	_ = enc.Encode(protocol.Response{JSONRPC: protocol.Version, ID: id, Result: body})
}

func pinOf(req protocol.Request) int {
	var p protocol.PinParams
	_ = json.Unmarshal(req.Params, &p)
	return p.Pin
}

func newClient(l Launcher, opts Options) *Client {
	c := New(l, opts)
	return c
}

func TestRoundTripThroughServer(t *testing.T) {
	l := &countingLauncher{serve: realServer()}
	c := newClient(l, Options{RequestTimeout: time.Second})
	defer c.Shutdown(context.Background())
	ctx := context.Background()

	set, err := c.SetPin(ctx, 18, "HIGH")
	require.NoError(t, err)
	assert.True(t, set.Success)
	assert.Equal(t, "HIGH", set.State)

	read, err := c.ReadPin(ctx, 18)
	require.NoError(t, err)
	assert.Equal(t, "HIGH", read.State)
	assert.Equal(t, 1, read.GPIOValue)

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{18}, st.ActivePins)
	assert.Equal(t, "HIGH", st.PinStates["18"])

	pins, err := c.ListValidPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPins, pins.ValidPins)

	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, commandserver.Name, c.ServerInfo().Name)
	assert.EqualValues(t, 1, l.launches.Load())
	assert.True(t, c.Available())
}

func TestRemoteError(t *testing.T) {
	c := newClient(&countingLauncher{serve: realServer()}, Options{})
	defer c.Shutdown(context.Background())

	_, err := c.SetPin(context.Background(), 3, "HIGH")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.KindInvalidPin, re.Kind)
	assert.Equal(t, "Invalid pin number: 3", re.Message)
	assert.Equal(t, "InvalidPin", Kind(err))

	// a failure response leaves the server usable
	assert.NoError(t, c.Ping(context.Background()))
}

func TestConcurrentCallsMatchedById(t *testing.T) {
	const n = 8

	// collect n requests, then answer them newest first
	serve := scripted(func() func(protocol.Request, *json.Encoder) error {
		var held []protocol.Request
		return func(req protocol.Request, enc *json.Encoder) error {
			held = append(held, req)
			if len(held) < n {
				return nil
			}
			for i := len(held) - 1; i >= 0; i-- {
				pin := pinOf(held[i])
				reply(enc, held[i].ID, protocol.PinResult{Success: true, Pin: pin, Message: fmt.Sprintf("pin %d", pin)})
			}
			held = nil
			return nil
		}
	}())

	c := newClient(&countingLauncher{serve: serve}, Options{RequestTimeout: 2 * time.Second})
	defer c.Shutdown(context.Background())
	require.NoError(t, c.EnsureStarted(context.Background()))

	var wg sync.WaitGroup
	results := make([]*protocol.PinResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ReadPin(context.Background(), testPins[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, testPins[i], results[i].Pin)
		assert.Equal(t, fmt.Sprintf("pin %d", testPins[i]), results[i].Message)
	}
}

func TestTimeoutAndLateReplyDiscarded(t *testing.T) {
	serve := scripted(func(req protocol.Request, enc *json.Encoder) error {
		if req.Method == protocol.MethodReadPin {
			time.Sleep(200 * time.Millisecond)
		}
		reply(enc, req.ID, protocol.PinResult{Success: true, Pin: pinOf(req), State: "LOW"})
		return nil
	})
	l := &countingLauncher{serve: serve}
	timeout := 50 * time.Millisecond
	c := newClient(l, Options{RequestTimeout: timeout})
	defer c.Shutdown(context.Background())
	require.NoError(t, c.EnsureStarted(context.Background()))

	start := time.Now()
	_, err := c.ReadPin(context.Background(), 18)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "Timeout", Kind(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+150*time.Millisecond)

	// the late reply arrives first and must not be mistaken for this one
	res, err := c.SetPin(context.Background(), 17, "LOW")
	require.NoError(t, err)
	assert.Equal(t, 17, res.Pin)

	assert.True(t, c.Available())
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestCrashFailsCallAndRespawnsOnce(t *testing.T) {
	serve := scripted(func(req protocol.Request, enc *json.Encoder) error {
		if req.Method == protocol.MethodReadPin {
			return errors.New("exit status 2")
		}
		reply(enc, req.ID, map[string]any{})
		return nil
	})
	l := &countingLauncher{serve: serve}

	crashes := make(chan error, 4)
	c := newClient(l, Options{
		RequestTimeout: time.Second,
		MaxRestarts:    1,
		OnCrash:        func(err error) { crashes <- err },
	})
	defer c.Shutdown(context.Background())
	ctx := context.Background()

	_, err := c.ReadPin(ctx, 18)
	assert.ErrorIs(t, err, ErrServerCrashed)
	assert.Equal(t, "ServerCrashed", Kind(err))

	select {
	case crashErr := <-crashes:
		assert.EqualError(t, crashErr, "exit status 2")
	case <-time.After(time.Second):
		t.Fatal("crash hook not called")
	}

	// one respawn is allowed
	require.NoError(t, c.Ping(ctx))
	assert.EqualValues(t, 2, l.launches.Load())

	_, err = c.ReadPin(ctx, 18)
	assert.ErrorIs(t, err, ErrServerCrashed)
	<-crashes

	err = c.Ping(ctx)
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.Equal(t, "ServerUnavailable", Kind(err))
	assert.False(t, c.Available())
	assert.EqualValues(t, 2, l.launches.Load())
}

func TestLaunchFailureIsSticky(t *testing.T) {
	var launches atomic.Int32
	c := newClient(LauncherFunc(func(context.Context) (Process, error) {
		launches.Add(1)
		return nil, errors.New("exec: \"gpio-server\": executable file not found in $PATH")
	}), Options{MaxRestarts: 3})

	for i := 0; i < 3; i++ {
		_, err := c.SetPin(context.Background(), 18, "HIGH")
		assert.ErrorIs(t, err, ErrServerUnavailable)
	}
	assert.EqualValues(t, 1, launches.Load())
	assert.False(t, c.Available())
}

func TestHandshakeTimeout(t *testing.T) {
	silent := func(in io.Reader, out io.Writer, killed <-chan struct{}) error {
		_, _ = io.Copy(io.Discard, in)
		return nil
	}
	l := &countingLauncher{serve: silent}
	c := newClient(l, Options{StartTimeout: 50 * time.Millisecond, ShutdownGrace: 50 * time.Millisecond})

	err := c.EnsureStarted(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrServerUnavailable)
	assert.EqualValues(t, 1, l.launches.Load())
}

// slowStart delays the server's first read, which stalls the handshake.
func slowStart(delay time.Duration) serveFunc {
	serve := realServer()
	return func(in io.Reader, out io.Writer, killed <-chan struct{}) error {
		time.Sleep(delay)
		return serve(in, out, killed)
	}
}

func TestCallerDeadlineDoesNotAbortStart(t *testing.T) {
	l := &countingLauncher{serve: slowStart(200 * time.Millisecond)}
	c := newClient(l, Options{RequestTimeout: time.Second})
	defer c.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ReadPin(ctx, 18)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Available())

	// the same start finishes and serves the next caller
	res, err := c.ReadPin(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, 18, res.Pin)
	assert.True(t, c.Available())
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestStartDoesNotBlockOtherCallers(t *testing.T) {
	l := &countingLauncher{serve: slowStart(500 * time.Millisecond)}
	c := newClient(l, Options{RequestTimeout: time.Second})
	defer c.Shutdown(context.Background())

	started := make(chan error, 1)
	go func() { started <- c.EnsureStarted(context.Background()) }()
	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, time.Second, 5*time.Millisecond)

	begin := time.Now()
	assert.True(t, c.Available())
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	// a second caller gives up on its own deadline while the start goes on
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	begin = time.Now()
	assert.ErrorIs(t, c.Ping(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 300*time.Millisecond)

	require.NoError(t, <-started)
	require.NoError(t, c.Ping(context.Background()))
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestShutdownDuringStart(t *testing.T) {
	l := &countingLauncher{serve: slowStart(100 * time.Millisecond)}
	c := newClient(l, Options{})

	started := make(chan error, 1)
	go func() { started <- c.EnsureStarted(context.Background()) }()
	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, <-started, ErrServerUnavailable)
	assert.False(t, c.Available())
}

func TestOversizedReplyLineSkipped(t *testing.T) {
	serve := scripted(func(req protocol.Request, enc *json.Encoder) error {
		if err := enc.Encode(strings.Repeat("x", 2*protocol.MaxLineSize)); err != nil {
			return err
		}
		reply(enc, req.ID, map[string]any{})
		return nil
	})
	l := &countingLauncher{serve: serve}
	c := newClient(l, Options{RequestTimeout: 2 * time.Second})
	defer c.Shutdown(context.Background())

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
	assert.True(t, c.Available())
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestShutdown(t *testing.T) {
	crashed := make(chan error, 1)
	c := newClient(&countingLauncher{serve: realServer()}, Options{
		OnCrash: func(err error) { crashed <- err },
	})
	require.NoError(t, c.EnsureStarted(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))

	_, err := c.SetPin(context.Background(), 18, "HIGH")
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.False(t, c.Available())

	select {
	case err := <-crashed:
		t.Fatalf("clean shutdown reported as crash: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownKillsStuckServer(t *testing.T) {
	stuck := scripted(func(req protocol.Request, enc *json.Encoder) error {
		reply(enc, req.ID, map[string]any{})
		return nil
	})
	serve := func(in io.Reader, out io.Writer, killed <-chan struct{}) error {
		_ = stuck(in, out, killed)
		// ignores EOF on stdin until killed
		<-killed
		return errKilled
	}

	c := newClient(&countingLauncher{serve: serve}, Options{ShutdownGrace: 50 * time.Millisecond})
	require.NoError(t, c.Ping(context.Background()))

	start := time.Now()
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdownBeforeStart(t *testing.T) {
	l := &countingLauncher{serve: realServer()}
	c := newClient(l, Options{})
	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, c.EnsureStarted(context.Background()), ErrServerUnavailable)
	assert.EqualValues(t, 0, l.launches.Load())
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "", Kind(errors.New("other")))
	assert.Equal(t, "Timeout", Kind(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Equal(t, "NotConfigured", Kind(&RemoteError{Kind: "NotConfigured"}))
}

func TestExecLauncher(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}

	c := New(&ExecLauncher{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{"GPIO_BRIDGE_HELPER=1"},
	}, Options{RequestTimeout: 5 * time.Second, StartTimeout: 10 * time.Second})
	ctx := context.Background()

	_, err := c.SetPin(ctx, 18, "on")
	require.NoError(t, err)

	read, err := c.ReadPin(ctx, 18)
	require.NoError(t, err)
	assert.Equal(t, "HIGH", read.State)
	assert.Equal(t, "helper", c.ServerInfo().Version)

	require.NoError(t, c.Shutdown(ctx))
}
