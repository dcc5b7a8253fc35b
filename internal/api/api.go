package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/coordinator"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/openai"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/protocol"
)

// Coordinator is the part of the request coordinator the routes use.
type Coordinator interface {
	Ask(ctx context.Context, question string) (*model.ChatResult, error)
	ExecuteGPIO(ctx context.Context, action string, pin int, state, source string) *model.GPIOResult
	Status(ctx context.Context) (*protocol.StatusResult, error)
	ValidPins(ctx context.Context) *protocol.PinsResult
	History(limit int) ([]model.GPIOAction, error)
	GPIOAvailable() bool
}

type Server struct {
	coord Coordinator
}

type ChatRequest struct {
	Question string `json:"question"`
}

type GPIORequest struct {
	Action string `json:"action"`
	Pin    *int   `json:"pin"`
	State  any    `json:"state"`
}

type StatusResponse struct {
	Initialized   bool              `json:"initialized"`
	ActivePins    []int             `json:"active_pins"`
	PinCount      int               `json:"pin_count"`
	GPIOAvailable bool              `json:"gpio_available"`
	GPIOMode      string            `json:"gpio_mode,omitempty"`
	Driver        string            `json:"driver,omitempty"`
	PinStates     map[string]string `json:"pin_states,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type HistoryResponse struct {
	Actions []model.GPIOAction `json:"actions"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	GPIOAvailable bool   `json:"gpio_available"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func NewServer(coord Coordinator) *Server {
	return &Server{coord: coord}
}

// Handler returns the routes wrapped in the CORS handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/gpio", s.handleGPIO)
	mux.HandleFunc("/api/gpio/status", s.handleStatus)
	mux.HandleFunc("/api/gpio/pins", s.handlePins)
	mux.HandleFunc("/api/gpio/history", s.handleHistory)
	mux.HandleFunc("/health", s.handleHealth)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// HTTPServer returns an http.Server for the routes listening on port.
func (s *Server) HTTPServer(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	res, err := s.coord.Ask(r.Context(), req.Question)
	if err != nil {
		var upstream *coordinator.UpstreamError
		switch {
		case errors.Is(err, coordinator.ErrEmptyQuestion):
			s.writeError(w, http.StatusBadRequest, "No question provided")
		case errors.Is(err, openai.ErrNoAPIKey):
			s.writeError(w, http.StatusInternalServerError, "OpenAI API key not configured")
		case errors.As(err, &upstream):
			log.Error().Err(err).Int("status", upstream.StatusCode).Msg("Chat completion failed")
			s.writeError(w, upstreamStatus(upstream.StatusCode), "UpstreamError: "+upstream.Err.Error())
		default:
			log.Error().Err(err).Msg("Chat request failed")
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func upstreamStatus(code int) int {
	switch code {
	case http.StatusUnauthorized, http.StatusTooManyRequests:
		return code
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleGPIO(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req GPIORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Action == "" || req.Pin == nil {
		s.writeError(w, http.StatusBadRequest, "Both action and pin are required")
		return
	}

	state, ok := stateString(req.State)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "state must be a string, number or boolean")
		return
	}

	res := s.coord.ExecuteGPIO(r.Context(), req.Action, *req.Pin, state, model.SourceAPI)
	if res.Success {
		log.Info().Int("pin", res.Pin).Str("action", res.Action).Str("state", res.State).Msg("GPIO action via API")
	}
	s.writeJSON(w, gpioStatus(res), res)
}

func gpioStatus(res *model.GPIOResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case protocol.KindInvalidPin, protocol.KindInvalidParams:
		return http.StatusBadRequest
	case "ServerUnavailable", "ServerCrashed":
		return http.StatusServiceUnavailable
	case "Timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func stateString(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", true
	case string:
		return s, true
	case bool:
		if s {
			return "high", true
		}
		return "low", true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	st, err := s.coord.Status(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("GPIO status unavailable")
		s.writeJSON(w, http.StatusServiceUnavailable, StatusResponse{
			ActivePins: []int{},
			Error:      err.Error(),
		})
		return
	}

	active := st.ActivePins
	if active == nil {
		active = []int{}
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Initialized:   st.Initialized,
		ActivePins:    active,
		PinCount:      st.PinCount,
		GPIOAvailable: s.coord.GPIOAvailable(),
		GPIOMode:      st.GPIOMode,
		Driver:        st.Driver,
		PinStates:     st.PinStates,
	})
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.ValidPins(r.Context()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	actions, err := s.coord.History(limit)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoJournal) {
			s.writeError(w, http.StatusNotFound, "GPIO history is not recorded")
			return
		}
		log.Error().Err(err).Msg("Failed to read GPIO history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{Actions: actions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Message:       "ChatGPT server is running",
		GPIOAvailable: s.coord.GPIOAvailable(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message})
}
