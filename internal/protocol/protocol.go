// Package protocol defines the newline-delimited JSON-RPC 2.0 messages
// exchanged between gpio-chat and its gpio-server subprocess.
package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodSetPin        = "set_gpio_pin"
	MethodReadPin       = "read_gpio_pin"
	MethodStatus        = "get_gpio_status"
	MethodListValidPins = "list_valid_gpio_pins"
)

// JSON-RPC error codes. CodeHardware is the application range code used for
// every pin failure; the Kind in the error data tells them apart.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeHardware       = -32000
)

// Failure kinds carried in Error.Data.Kind.
const (
	KindParseError     = "ParseError"
	KindInvalidRequest = "InvalidRequest"
	KindMethodNotFound = "MethodNotFound"
	KindInvalidParams  = "InvalidParams"
	KindInvalidPin     = "InvalidPin"
	KindNotConfigured  = "NotConfigured"
	KindHardwareError  = "HardwareError"
	KindInternal       = "InternalError"
)

var NullID = json.RawMessage("null")

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and so expects
// no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

type ErrorData struct {
	Kind string `json:"kind"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind(), e.Code, e.Message)
}

// Kind returns the failure kind, falling back to one derived from the code.
func (e *Error) Kind() string {
	if e.Data != nil && e.Data.Kind != "" {
		return e.Data.Kind
	}
	switch e.Code {
	case CodeParseError:
		return KindParseError
	case CodeInvalidRequest:
		return KindInvalidRequest
	case CodeMethodNotFound:
		return KindMethodNotFound
	case CodeInvalidParams:
		return KindInvalidParams
	case CodeHardware:
		return KindHardwareError
	default:
		return KindInternal
	}
}

func NewError(code int, kind, message string) *Error {
	return &Error{Code: code, Message: message, Data: &ErrorData{Kind: kind}}
}

type SetPinParams struct {
	Pin   int    `json:"pin"`
	State string `json:"state"`
}

type PinParams struct {
	Pin int `json:"pin"`
}

type PinResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Pin       int    `json:"pin"`
	State     string `json:"state"`
	GPIOValue int    `json:"gpio_value"`
}

type StatusResult struct {
	Initialized bool              `json:"initialized"`
	ActivePins  []int             `json:"active_pins"`
	PinCount    int               `json:"pin_count"`
	Driver      string            `json:"driver"`
	GPIOMode    string            `json:"gpio_mode"`
	PinStates   map[string]string `json:"pin_states"`
	Hardware    map[string]string `json:"hardware,omitempty"`
}

type PinsResult struct {
	ValidPins       []int          `json:"valid_pins"`
	NumberingMode   string         `json:"numbering_mode"`
	TotalPins       int            `json:"total_pins"`
	PhysicalMapping map[string]int `json:"physical_mapping"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MethodInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type InitializeResult struct {
	ServerInfo ServerInfo   `json:"server_info"`
	Methods    []MethodInfo `json:"methods"`
}
