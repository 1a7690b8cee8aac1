package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"node-coordinator/pkg/models"
	"node-coordinator/pkg/tasks"
)

const (
	headerConnectingIP = "CF-Connecting-IP"
	localAddress       = "127.0.0.1"
)

// SourceAddress returns the address the edge proxy saw. Local deployments
// have no proxy in front and always use the loopback address.
func SourceAddress(r *http.Request, local bool) (string, error) {
	if local {
		return localAddress, nil
	}
	ip := r.Header.Get(headerConnectingIP)
	if ip == "" {
		return "", models.ErrMissingHeader
	}
	return ip, nil
}

type Server struct {
	service *Service
	local   bool
	logger  *slog.Logger
}

func NewServer(service *Service, local bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: service, local: local, logger: logger}
}

// Address is SourceAddress bound to the server's environment.
func (s *Server) Address(r *http.Request) (string, error) {
	return SourceAddress(r, s.local)
}

// Routes registers the API on mux. ws and metrics may be nil.
func (s *Server) Routes(mux *http.ServeMux, ws, metrics http.Handler) {
	mux.HandleFunc("POST /api/get_task", s.handleGetTask)
	mux.HandleFunc("POST /api/submit_task", s.handleSubmitTask)
	mux.HandleFunc("POST /api/submit_bandwidth", s.handleSubmitBandwidth)
	mux.HandleFunc("POST /api/check_token", s.handleCheckToken)
	mux.HandleFunc("POST /api/get_stats", s.handleGetStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
}

type credentials struct {
	Email    string `json:"email"`
	ApiToken string `json:"api_token"`
}

type submitTaskRequest struct {
	credentials
	TaskID       string  `json:"task_id"`
	ResponseCode int     `json:"response_code"`
	ResponseRaw  string  `json:"response_raw"`
	Country      string  `json:"country"`
	IP           string  `json:"ip"`
	ASN          string  `json:"asn"`
	ResponseTime float64 `json:"response_time"`
}

type bandwidthRequest struct {
	credentials
	DownloadSpeed float64 `json:"download_speed"`
	UploadSpeed   float64 `json:"upload_speed"`
	Latency       float64 `json:"latency"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case models.IsIdentityError(err):
		return http.StatusUnauthorized
	case models.IsAdmissionError(err):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrMissingHeader):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTaskNotAssigned):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) request(w http.ResponseWriter, r *http.Request, c credentials) (tasks.Request, bool) {
	ip, err := s.Address(r)
	if err != nil {
		s.writeError(w, r, err)
		return tasks.Request{}, false
	}
	return tasks.Request{Email: c.Email, ApiToken: c.ApiToken, SourceAddress: ip}, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if !decode(w, r, &body) {
		return
	}
	req, ok := s.request(w, r, body)
	if !ok {
		return
	}
	task, err := s.service.GetTask(r.Context(), req)
	if err != nil && !models.IsAdmissionError(err) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body submitTaskRequest
	if !decode(w, r, &body) {
		return
	}
	req, ok := s.request(w, r, body.credentials)
	if !ok {
		return
	}
	resp, err := s.service.SubmitTask(r.Context(), req, tasks.Result{
		TaskID:       body.TaskID,
		ResponseCode: body.ResponseCode,
		ResponseRaw:  body.ResponseRaw,
		Country:      body.Country,
		IP:           body.IP,
		ASN:          body.ASN,
		ResponseTime: body.ResponseTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitBandwidth(w http.ResponseWriter, r *http.Request) {
	var body bandwidthRequest
	if !decode(w, r, &body) {
		return
	}
	req, ok := s.request(w, r, body.credentials)
	if !ok {
		return
	}
	resp, err := s.service.SubmitBandwidth(r.Context(), req, BandwidthReport{
		DownloadSpeed: body.DownloadSpeed,
		UploadSpeed:   body.UploadSpeed,
		Latency:       body.Latency,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckToken(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if !decode(w, r, &body) {
		return
	}
	resp, err := s.service.CheckToken(r.Context(), body.Email, body.ApiToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if !decode(w, r, &body) {
		return
	}
	resp, err := s.service.GetStats(r.Context(), body.Email, body.ApiToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
