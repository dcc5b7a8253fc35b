// Package commandserver exposes a gpio.Controller as a JSON-RPC 2.0 service
// on newline-delimited stdio. Requests are handled one at a time in the
// order they are read.
package commandserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/gpio"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/protocol"
)

const Name = "gpio-server"

var methods = []protocol.MethodInfo{
	{Name: protocol.MethodSetPin, Description: "Configure a pin as output and drive it HIGH or LOW"},
	{Name: protocol.MethodReadPin, Description: "Read the level of a pin"},
	{Name: protocol.MethodStatus, Description: "Report which pins are configured and their last known state"},
	{Name: protocol.MethodListValidPins, Description: "List the BCM pins that may be used"},
}

type Server struct {
	ctrl    *gpio.Controller
	version string
}

func New(ctrl *gpio.Controller, version string) *Server {
	return &Server{ctrl: ctrl, version: version}
}

// Run serves requests from in until EOF, writing one response line per
// request to out. Malformed input is answered and skipped; only a failure
// to write or read ends the loop early.
func (s *Server) Run(in io.Reader, out io.Writer) error {
	lines := protocol.NewLineReader(in)
	encoder := json.NewEncoder(out)

	for {
		line, err := lines.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, protocol.ErrLineTooLong) {
			log.Warn().Int("max_bytes", protocol.MaxLineSize).Msg("Dropped oversized request line")
			perr := protocol.NewError(protocol.CodeParseError, protocol.KindParseError, "parse error: request line too long")
			if err := writeError(encoder, protocol.NullID, perr); err != nil {
				return fmt.Errorf("writing parse error response: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn().Err(err).Msg("Unparsable request line")
			perr := protocol.NewError(protocol.CodeParseError, protocol.KindParseError, "parse error: "+err.Error())
			if err := writeError(encoder, protocol.NullID, perr); err != nil {
				return fmt.Errorf("writing parse error response: %w", err)
			}
			continue
		}

		if req.IsNotification() {
			log.Debug().Str("method", req.Method).Msg("Ignoring notification")
			continue
		}

		if req.JSONRPC != protocol.Version {
			perr := protocol.NewError(protocol.CodeInvalidRequest, protocol.KindInvalidRequest, "unsupported JSON-RPC version")
			if err := writeError(encoder, req.ID, perr); err != nil {
				return fmt.Errorf("writing version error response: %w", err)
			}
			continue
		}

		result, perr := s.dispatch(&req)
		if perr != nil {
			log.Debug().Str("method", req.Method).Str("kind", perr.Kind()).Msg(perr.Message)
			err = writeError(encoder, req.ID, perr)
		} else {
			err = writeResult(encoder, req.ID, result)
		}
		if err != nil {
			return fmt.Errorf("writing %s response: %w", req.Method, err)
		}
	}
}

func (s *Server) dispatch(req *protocol.Request) (result any, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("method", req.Method).Msg("Handler panicked")
			result = nil
			perr = protocol.NewError(protocol.CodeInternalError, protocol.KindInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize()
	case protocol.MethodPing:
		return map[string]any{}, nil
	case protocol.MethodSetPin:
		return s.handleSetPin(req.Params)
	case protocol.MethodReadPin:
		return s.handleReadPin(req.Params)
	case protocol.MethodStatus:
		return s.handleStatus()
	case protocol.MethodListValidPins:
		return s.handleListValidPins()
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, protocol.KindMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize() (any, *protocol.Error) {
	return protocol.InitializeResult{
		ServerInfo: protocol.ServerInfo{Name: Name, Version: s.version},
		Methods:    methods,
	}, nil
}

func (s *Server) handleSetPin(raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		Pin   *int            `json:"pin"`
		State json.RawMessage `json:"state"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Pin == nil {
		return nil, invalidParams("missing required param: pin")
	}
	pin := *params.Pin
	if len(params.State) == 0 {
		return nil, invalidParams("missing required param: state")
	}

	if !s.ctrl.IsValidPin(pin) {
		return nil, controllerError(pin, gpio.ErrInvalidPin)
	}

	level, err := gpio.ParseState(stateString(params.State))
	if err != nil {
		return nil, invalidParams(err.Error())
	}

	if err := s.ctrl.Configure(pin, gpio.Output); err != nil {
		return nil, controllerError(pin, err)
	}
	if err := s.ctrl.Write(pin, level); err != nil {
		return nil, controllerError(pin, err)
	}

	return protocol.PinResult{
		Success:   true,
		Message:   fmt.Sprintf("GPIO pin %d successfully set to %s", pin, level),
		Pin:       pin,
		State:     level.String(),
		GPIOValue: level.Int(),
	}, nil
}

func (s *Server) handleReadPin(raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		Pin *int `json:"pin"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Pin == nil {
		return nil, invalidParams("missing required param: pin")
	}
	pin := *params.Pin

	// an output pin is read in place so its driven level is not disturbed
	if _, configured := s.ctrl.Direction(pin); !configured {
		if err := s.ctrl.Configure(pin, gpio.Input); err != nil {
			return nil, controllerError(pin, err)
		}
	}

	level, err := s.ctrl.Read(pin)
	if err != nil {
		return nil, controllerError(pin, err)
	}

	return protocol.PinResult{
		Success:   true,
		Message:   fmt.Sprintf("GPIO pin %d is %s", pin, level),
		Pin:       pin,
		State:     level.String(),
		GPIOValue: level.Int(),
	}, nil
}

func (s *Server) handleStatus() (any, *protocol.Error) {
	st := s.ctrl.Status()

	states := make(map[string]string, len(st.PinStates))
	for pin, state := range st.PinStates {
		states[strconv.Itoa(pin)] = string(state)
	}

	result := protocol.StatusResult{
		Initialized: st.Initialized,
		ActivePins:  st.ActivePins,
		PinCount:    len(st.ActivePins),
		Driver:      s.ctrl.DriverName(),
		GPIOMode:    "BCM",
		PinStates:   states,
	}

	hw, err := s.ctrl.Describe()
	if err != nil {
		log.Warn().Err(err).Msg("Could not describe pins")
	}
	if len(hw) > 0 {
		result.Hardware = make(map[string]string, len(hw))
		for pin, desc := range hw {
			result.Hardware[strconv.Itoa(pin)] = desc
		}
	}

	return result, nil
}

func (s *Server) handleListValidPins() (any, *protocol.Error) {
	pins := s.ctrl.ValidPins()
	mapping := make(map[string]int, len(pins))
	for _, pin := range pins {
		if phys, ok := gpio.PhysicalPin(pin); ok {
			mapping[fmt.Sprintf("GPIO%d", pin)] = phys
		}
	}

	return protocol.PinsResult{
		ValidPins:       pins,
		NumberingMode:   "BCM",
		TotalPins:       len(pins),
		PhysicalMapping: mapping,
	}, nil
}

func decodeParams(raw json.RawMessage, v any) *protocol.Error {
	if len(raw) == 0 {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

// stateString accepts "HIGH", true or 1 alike.
func stateString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func invalidParams(msg string) *protocol.Error {
	return protocol.NewError(protocol.CodeInvalidParams, protocol.KindInvalidParams, msg)
}

func controllerError(pin int, err error) *protocol.Error {
	var hw *gpio.HardwareError
	switch {
	case errors.Is(err, gpio.ErrInvalidPin):
		return protocol.NewError(protocol.CodeInvalidParams, protocol.KindInvalidPin, fmt.Sprintf("Invalid pin number: %d", pin))
	case errors.Is(err, gpio.ErrNotConfigured):
		return protocol.NewError(protocol.CodeHardware, protocol.KindNotConfigured, err.Error())
	case errors.As(err, &hw):
		return protocol.NewError(protocol.CodeHardware, protocol.KindHardwareError, err.Error())
	default:
		return protocol.NewError(protocol.CodeInternalError, protocol.KindInternal, err.Error())
	}
}

func writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return encoder.Encode(protocol.Response{
		JSONRPC: protocol.Version,
		ID:      id,
		Result:  body,
	})
}

func writeError(encoder *json.Encoder, id json.RawMessage, perr *protocol.Error) error {
	return encoder.Encode(protocol.Response{
		JSONRPC: protocol.Version,
		ID:      id,
		Error:   perr,
	})
}
