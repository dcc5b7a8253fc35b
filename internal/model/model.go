package model

import "time"

// GPIOResult is the outcome of one pin operation as reported to callers.
type GPIOResult struct {
	Success   bool   `json:"success"`
	Action    string `json:"action"`
	Pin       int    `json:"pin"`
	State     string `json:"state,omitempty"`
	GPIOValue *int   `json:"gpio_value,omitempty"`
	Message   string `json:"message"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type ChatResult struct {
	Question      string      `json:"question"`
	Answer        string      `json:"answer"`
	Success       bool        `json:"success"`
	GPIODetected  bool        `json:"gpio_detected"`
	GPIOAvailable bool        `json:"gpio_available"`
	GPIOResult    *GPIOResult `json:"gpio_result,omitempty"`
}

// Where a GPIO action came from.
const (
	SourceChat = "chat"
	SourceAPI  = "api"
	SourceCLI  = "cli"
)

// GPIOAction is a journaled pin operation.
type GPIOAction struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Pin       int       `json:"pin"`
	State     string    `json:"state,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// ChatExchange is a journaled question and answer.
type ChatExchange struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	GPIODetected bool      `json:"gpio_detected"`
	Success      bool      `json:"success"`
}
