// Package commandclient drives a gpio-server subprocess over its stdio. The
// child is spawned on first use, calls are correlated by id so any number of
// goroutines may share it, and a crashed child is respawned a bounded number
// of times.
package commandclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/datadog"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/protocol"
)

var (
	ErrServerUnavailable = errors.New("gpio server unavailable")
	ErrServerCrashed     = errors.New("gpio server crashed")
	ErrTimeout           = errors.New("gpio server did not answer in time")
)

// RemoteError is a failure response from the server.
type RemoteError struct {
	Kind    string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Kind names the failure kind of err, or "" for errors the bridge did not
// produce.
func Kind(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, ErrServerUnavailable):
		return "ServerUnavailable"
	case errors.Is(err, ErrServerCrashed):
		return "ServerCrashed"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	default:
		return ""
	}
}

type Options struct {
	RequestTimeout time.Duration
	StartTimeout   time.Duration
	ShutdownGrace  time.Duration
	// MaxRestarts bounds how many times a crashed server is respawned.
	MaxRestarts int
	// OnCrash is called from the reader goroutine when the server exits
	// unexpectedly. It must not block.
	OnCrash func(err error)
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
}

type Client struct {
	launcher Launcher
	opts     Options

	mu          sync.Mutex
	proc        *process
	launches    int
	unavailable error
	closed      bool
	info        protocol.ServerInfo
	// starting is closed when the start attempt in flight finishes.
	starting chan struct{}
}

func New(launcher Launcher, opts Options) *Client {
	opts.setDefaults()
	return &Client{launcher: launcher, opts: opts}
}

// Available is false once the server could not be started, has crashed more
// often than allowed, or the client was shut down.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.unavailable == nil
}

// ServerInfo returns what the server reported in its handshake.
func (c *Client) ServerInfo() protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// EnsureStarted spawns the server if no live one exists.
func (c *Client) EnsureStarted(ctx context.Context) error {
	_, err := c.ensure(ctx)
	return err
}

// ensure returns the live server, spawning one if needed. The spawn runs
// detached from ctx so a caller giving up early does not abort a healthy
// start; every caller waits on it with its own ctx.
func (c *Client) ensure(ctx context.Context) (*process, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: client shut down", ErrServerUnavailable)
		}
		if c.unavailable != nil {
			err := c.unavailable
			c.mu.Unlock()
			return nil, err
		}
		if c.proc != nil && !c.proc.exited() {
			p := c.proc
			c.mu.Unlock()
			return p, nil
		}

		starting := c.starting
		if starting == nil {
			if c.launches > 0 {
				if c.launches > c.opts.MaxRestarts {
					c.unavailable = fmt.Errorf("%w: restart limit of %d reached", ErrServerUnavailable, c.opts.MaxRestarts)
					c.proc = nil
					c.mu.Unlock()
					log.Error().Int("max_restarts", c.opts.MaxRestarts).Msg("GPIO server will not be restarted again")
					datadog.Gauge("gpio.bridge.up", 0)
					return nil, c.unavailable
				}
				datadog.Incr("gpio.bridge.respawn")
				log.Warn().Int("attempt", c.launches).Msg("Respawning GPIO server")
			}
			c.launches++
			c.proc = nil
			starting = make(chan struct{})
			c.starting = starting
			go c.launch(context.WithoutCancel(ctx), starting)
		}
		c.mu.Unlock()

		select {
		case <-starting:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// launch runs one start attempt and publishes its outcome.
func (c *Client) launch(ctx context.Context, starting chan struct{}) {
	defer close(starting)

	p, info, err := c.start(ctx)

	c.mu.Lock()
	c.starting = nil
	if err != nil {
		c.unavailable = fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		c.mu.Unlock()
		log.Error().Err(err).Msg("GPIO server failed to start, GPIO disabled")
		datadog.Gauge("gpio.bridge.up", 0)
		return
	}
	if c.closed {
		c.mu.Unlock()
		_ = p.stop(c.opts.ShutdownGrace)
		return
	}
	c.proc = p
	c.info = info
	c.mu.Unlock()
	datadog.Gauge("gpio.bridge.up", 1)
}

func (c *Client) start(ctx context.Context) (*process, protocol.ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()

	child, err := c.launcher.Launch(ctx)
	if err != nil {
		return nil, protocol.ServerInfo{}, fmt.Errorf("launch: %w", err)
	}

	p := newProcess(child)
	go p.readLoop(c.onExit)

	var hello protocol.InitializeResult
	if err := p.call(ctx, protocol.MethodInitialize, nil, &hello, c.opts.StartTimeout); err != nil {
		p.stop(c.opts.ShutdownGrace)
		return nil, protocol.ServerInfo{}, fmt.Errorf("initialize handshake: %w", err)
	}

	log.Info().
		Str("server", hello.ServerInfo.Name).
		Str("version", hello.ServerInfo.Version).
		Int("methods", len(hello.Methods)).
		Msg("GPIO server ready")

	return p, hello.ServerInfo, nil
}

func (c *Client) onExit(p *process, err error) {
	if p.stopping.Load() {
		log.Info().Msg("GPIO server exited")
		return
	}

	log.Error().Err(err).Msg("GPIO server exited unexpectedly")
	datadog.Incr("gpio.bridge.crash")
	datadog.Gauge("gpio.bridge.up", 0)
	if c.opts.OnCrash != nil {
		c.opts.OnCrash(err)
	}
}

// Shutdown stops the server: stdin is closed so it can clean up and exit,
// and it is killed if it is still running after the grace period. Later
// calls fail with ErrServerUnavailable.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	starting := c.starting
	c.mu.Unlock()

	// an in-flight start sees closed and stops its own child
	if starting != nil {
		select {
		case <-starting:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.mu.Unlock()

	if p == nil || p.exited() {
		return nil
	}

	grace := c.opts.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < grace {
		grace = time.Until(deadline)
	}
	return p.stop(grace)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	start := time.Now()

	p, err := c.ensure(ctx)
	if err == nil {
		err = p.call(ctx, method, params, result, c.opts.RequestTimeout)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrTimeout) {
			datadog.Incr("gpio.bridge.timeout", "method:"+method)
		}
	}
	datadog.Incr("gpio.bridge.request", "method:"+method, "outcome:"+outcome)
	datadog.Timing("gpio.bridge.latency", time.Since(start), "method:"+method)

	return err
}

func (c *Client) SetPin(ctx context.Context, pin int, state string) (*protocol.PinResult, error) {
	var res protocol.PinResult
	if err := c.call(ctx, protocol.MethodSetPin, protocol.SetPinParams{Pin: pin, State: state}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ReadPin(ctx context.Context, pin int) (*protocol.PinResult, error) {
	var res protocol.PinResult
	if err := c.call(ctx, protocol.MethodReadPin, protocol.PinParams{Pin: pin}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetStatus(ctx context.Context) (*protocol.StatusResult, error) {
	var res protocol.StatusResult
	if err := c.call(ctx, protocol.MethodStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListValidPins(ctx context.Context) (*protocol.PinsResult, error) {
	var res protocol.PinsResult
	if err := c.call(ctx, protocol.MethodListValidPins, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, protocol.MethodPing, nil, nil)
}

// process is one spawned server and its correlation table.
type process struct {
	child Process

	writeMu sync.Mutex
	encoder *json.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response
	exitErr   error

	done     chan struct{}
	stopping atomic.Bool
}

func newProcess(child Process) *process {
	return &process{
		child:   child,
		encoder: json.NewEncoder(child.Stdin()),
		pending: make(map[string]chan protocol.Response),
		done:    make(chan struct{}),
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) readLoop(onExit func(*process, error)) {
	lines := protocol.NewLineReader(p.child.Stdout())

	for {
		line, err := lines.Next()
		if errors.Is(err, protocol.ErrLineTooLong) {
			log.Warn().Int("max_bytes", protocol.MaxLineSize).Msg("Discarding oversized line from GPIO server")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("Reading from GPIO server failed")
				// unblock a child stuck writing to us
				_ = p.child.Kill()
			}
			break
		}
		if len(line) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Str("line", string(line)).Msg("Discarding unparsable line from GPIO server")
			continue
		}

		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			log.Debug().RawJSON("id", resp.ID).Msg("Discarding response with foreign id")
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		delete(p.pending, id)
		p.pendingMu.Unlock()

		if !ok {
			log.Debug().Str("id", id).Msg("Discarding response nobody is waiting for")
			continue
		}
		ch <- resp
	}

	err := p.child.Wait()
	if err == nil {
		err = errors.New("server closed its output")
	}

	p.pendingMu.Lock()
	p.exitErr = err
	p.pending = nil
	p.pendingMu.Unlock()

	close(p.done)
	onExit(p, err)
}

func (p *process) call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	id := uuid.NewString()
	rawID, err := json.Marshal(id)
	if err != nil {
		return err
	}

	req := protocol.Request{JSONRPC: protocol.Version, ID: rawID, Method: method}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	ch := make(chan protocol.Response, 1)
	p.pendingMu.Lock()
	if p.pending == nil {
		exitErr := p.exitErr
		p.pendingMu.Unlock()
		return fmt.Errorf("%w: %v", ErrServerCrashed, exitErr)
	}
	p.pending[id] = ch
	p.pendingMu.Unlock()
	defer p.forget(id)

	p.writeMu.Lock()
	err = p.encoder.Encode(req)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: writing %s request: %v", ErrServerCrashed, method, err)
	}

	log.Debug().Str("id", id).Str("method", method).Msg("GPIO request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return decodeResponse(resp, result, method)
	case <-p.done:
		// the reply may have been routed just before the exit
		select {
		case resp := <-ch:
			return decodeResponse(resp, result, method)
		default:
		}
		return fmt.Errorf("%w: %v", ErrServerCrashed, p.exitErr)
	case <-timer.C:
		log.Warn().Str("id", id).Str("method", method).Dur("timeout", timeout).Msg("GPIO request timed out")
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *process) forget(id string) {
	p.pendingMu.Lock()
	if p.pending != nil {
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}

func decodeResponse(resp protocol.Response, result any, method string) error {
	if resp.Error != nil {
		return &RemoteError{Kind: resp.Error.Kind(), Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// stop closes stdin and kills the child if it has not exited within grace.
func (p *process) stop(grace time.Duration) error {
	p.stopping.Store(true)

	if err := p.child.Stdin().Close(); err != nil {
		log.Debug().Err(err).Msg("Closing GPIO server stdin")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	log.Warn().Dur("grace", grace).Msg("GPIO server did not exit, killing it")
	if err := p.child.Kill(); err != nil {
		return fmt.Errorf("killing gpio server: %w", err)
	}

	select {
	case <-p.done:
	case <-time.After(time.Second):
		log.Warn().Msg("GPIO server output still open after kill")
	}
	return nil
}
