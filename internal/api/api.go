package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/engine"
	"github.com/zeushome/zeus-controller/internal/model"
)

type Server struct {
	engine *engine.Engine
}

type ScheduleResponse struct {
	GeneratedAt time.Time                       `json:"generated_at"`
	Healthy     bool                            `json:"healthy"`
	Devices     map[string]model.ScheduleResult `json:"devices"`
}

// ReservationRequest carries an explicit window start. When start is
// omitted the device's currently recommended window is reserved instead.
type ReservationRequest struct {
	Start time.Time `json:"start"`
}

type ReservationResponse struct {
	DeviceID string    `json:"device_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

func (s *Server) Start(port int) error {
	mux := http.NewServeMux()

	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})

	mux.HandleFunc("/api/schedule", s.handleSchedule)
	mux.HandleFunc("/api/rankings", s.handleRankings)
	mux.HandleFunc("/api/reservations", s.handleReservations)
	mux.HandleFunc("/api/devices/", s.handleDeviceOperations)
	mux.HandleFunc("/api/run", s.handleRun)

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")

	return http.ListenAndServe(addr, corsHandler)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	results, passAt, ok := s.engine.Results()
	s.writeJSON(w, http.StatusOK, ScheduleResponse{
		GeneratedAt: passAt,
		Healthy:     ok,
		Devices:     results,
	})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rankings := s.engine.Rankings()
	if rankings == nil {
		rankings = []model.ManualDeviceRanking{}
	}
	s.writeJSON(w, http.StatusOK, rankings)
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	reservations := s.engine.Reservations()
	response := make([]ReservationResponse, 0, len(reservations))
	for deviceID, res := range reservations {
		response = append(response, ReservationResponse{
			DeviceID: deviceID,
			Start:    res.Start,
			End:      res.End,
		})
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeviceOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(path, "/")

	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Device ID required")
		return
	}

	deviceID := parts[0]
	if parts[1] != "reservation" {
		s.writeError(w, http.StatusNotFound, "Unknown operation")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.createReservation(w, r, deviceID)
	case http.MethodDelete:
		s.deleteReservation(w, deviceID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) createReservation(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	var res model.Reservation
	var err error
	if req.Start.IsZero() {
		res, err = s.engine.ReserveRecommended(deviceID, time.Now())
	} else {
		res, err = s.engine.Reserve(deviceID, req.Start, time.Now())
	}
	if err != nil {
		if strings.Contains(err.Error(), "unknown manual device") {
			s.writeError(w, http.StatusNotFound, err.Error())
		} else {
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	log.Info().Str("device_id", deviceID).Time("start", res.Start).Msg("Reservation created via API")
	s.writeJSON(w, http.StatusOK, ReservationResponse{
		DeviceID: deviceID,
		Start:    res.Start,
		End:      res.End,
	})
}

func (s *Server) deleteReservation(w http.ResponseWriter, deviceID string) {
	if err := s.engine.CancelReservation(deviceID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Info().Str("device_id", deviceID).Msg("Reservation cancelled via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	s.engine.RunPass(ctx, time.Now())

	log.Info().Msg("Scheduling pass triggered via API")
	results, passAt, ok := s.engine.Results()
	s.writeJSON(w, http.StatusOK, ScheduleResponse{
		GeneratedAt: passAt,
		Healthy:     ok,
		Devices:     results,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
