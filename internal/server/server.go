package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/esheldon/covmatrix/internal/config"
	"github.com/esheldon/covmatrix/internal/density"
	"github.com/esheldon/covmatrix/internal/estimate"
	"github.com/esheldon/covmatrix/internal/logging"
	"github.com/esheldon/covmatrix/internal/metrics"
	"github.com/esheldon/covmatrix/internal/store"
)

// EstimationState tracks one covariance estimation job. Jobs run in the
// background; the state is guarded by the server's mutex.
type EstimationState struct {
	ID          string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Hessian     [][]float64
	Covariance  [][]float64
	Error       string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server implements the HTTP and JSON-RPC surface of the covariance
// estimation service. It manages estimation jobs and provides endpoints to
// start, monitor, and cancel them.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *store.Store // optional; nil disables persistence

	estimations   map[string]*EstimationState
	estimationsMu sync.RWMutex // Protects the estimations map
}

// NewServer creates a new server instance. The store may be nil, in which
// case results live only in memory.
func NewServer(cfg *config.Config, logger *logging.Logger, st *store.Store) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		estimations: make(map[string]*EstimationState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/estimate", s.handleEstimate)
		r.Get("/estimations/{id}", s.handleStatus)
		r.Delete("/estimations/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// EstimateRequest is the body of POST /api/v1/estimate and the first
// parameter of the covariance.estimate JSON-RPC method. Step and Steps are
// mutually exclusive; with neither set the configured default step applies
// uniformly.
type EstimateRequest struct {
	Density density.Spec `json:"density"`
	Point   []float64    `json:"point"`
	Step    float64      `json:"step,omitempty"`
	Steps   []float64    `json:"steps,omitempty"`
	Workers int          `json:"workers,omitempty"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", nil)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "covariance.estimate":
		result, err = s.rpcEstimate(request.Params)
	case "covariance.status":
		result, err = s.rpcStatus(request.Params)
	case "covariance.cancel":
		err = s.rpcCancel(request.Params)
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) rpcEstimate(params []json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("missing required parameters")
	}

	var req EstimateRequest
	if err := json.Unmarshal(params[0], &req); err != nil {
		return nil, fmt.Errorf("invalid parameter format: %v", err)
	}
	return s.startEstimation(req)
}

func (s *Server) rpcStatus(params []json.RawMessage) (interface{}, error) {
	id, err := estimationIDParam(params)
	if err != nil {
		return nil, err
	}
	return s.estimationStatus(id)
}

func (s *Server) rpcCancel(params []json.RawMessage) error {
	id, err := estimationIDParam(params)
	if err != nil {
		return err
	}
	return s.cancelEstimation(id)
}

func estimationIDParam(params []json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("missing required parameters")
	}
	var p struct {
		EstimationID string `json:"estimation_id"`
	}
	if err := json.Unmarshal(params[0], &p); err != nil {
		return "", fmt.Errorf("invalid parameter format: %v", err)
	}
	if p.EstimationID == "" {
		return "", fmt.Errorf("estimation_id is required")
	}
	return p.EstimationID, nil
}

// startEstimation validates a request, registers the job, and launches it in
// the background.
func (s *Server) startEstimation(req EstimateRequest) (map[string]interface{}, error) {
	n := len(req.Point)
	if n == 0 {
		return nil, fmt.Errorf("point is required")
	}
	if max := s.cfg.Estimator.MaxDim; max > 0 && n > max {
		return nil, fmt.Errorf("point has %d dimensions, limit is %d", n, max)
	}
	if req.Step != 0 && req.Steps != nil {
		return nil, fmt.Errorf("step and steps are mutually exclusive")
	}

	var step estimate.Step
	switch {
	case req.Steps != nil:
		step = estimate.PerAxisStep(req.Steps)
	case req.Step != 0:
		step = estimate.UniformStep(req.Step)
	default:
		step = estimate.UniformStep(s.cfg.Estimator.DefaultStep)
	}

	logf, err := density.FromSpec(req.Density)
	if err != nil {
		return nil, fmt.Errorf("invalid density: %v", err)
	}

	workers := req.Workers
	if workers < 1 {
		workers = s.cfg.Estimator.Workers
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	state := &EstimationState{
		ID:          id,
		Status:      "pending",
		StartTime:   time.Now(),
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	s.estimationsMu.Lock()
	s.estimations[id] = state
	s.estimationsMu.Unlock()

	if s.store != nil {
		rec := &store.Record{
			ID:        id,
			Status:    "pending",
			Dim:       n,
			Point:     req.Point,
			Step:      stepSlice(req, s.cfg.Estimator.DefaultStep, n),
			CreatedAt: state.StartTime,
		}
		if err := s.store.Create(rec); err != nil {
			s.logger.Error("Failed to persist estimation", map[string]interface{}{
				"estimation_id": id,
				"error":         err.Error(),
			})
		}
	}

	go s.runEstimation(ctx, id, logf, req.Point, step, workers, state)

	return map[string]interface{}{
		"estimation_id": id,
		"status":        "pending",
	}, nil
}

func stepSlice(req EstimateRequest, defaultStep float64, n int) []float64 {
	if req.Steps != nil {
		return req.Steps
	}
	h := req.Step
	if h == 0 {
		h = defaultStep
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = h
	}
	return out
}

// runEstimation executes one estimation job in a goroutine.
func (s *Server) runEstimation(ctx context.Context, id string, logf estimate.Objective, point []float64, step estimate.Step, workers int, state *EstimationState) {
	metrics.EstimationsStarted.Inc()
	start := time.Now()

	s.estimationsMu.Lock()
	state.Status = "running"
	state.LastUpdated = time.Now()
	s.estimationsMu.Unlock()

	est := estimate.NewEstimator(
		estimate.WithWorkers(workers),
		estimate.WithLogger(logging.NewZapLogger(s.logger)),
	)

	var (
		hessRows [][]float64
		covRows  [][]float64
		runErr   error
	)
	hess, runErr := est.Hessian(ctx, metrics.CountEvaluations(logf), point, step)
	if runErr == nil {
		hessRows = matrixRows(hess)
		var cov *mat.SymDense
		if cov, runErr = est.CovarianceFromHessian(hess); runErr == nil {
			covRows = matrixRows(cov)
		}
	}

	status := "completed"
	errText := ""
	switch {
	case errors.Is(runErr, context.Canceled):
		status = "cancelled"
		errText = runErr.Error()
	case runErr != nil:
		status = "failed"
		errText = runErr.Error()
	}

	now := time.Now()
	s.estimationsMu.Lock()
	// A cancel request may already have finalized the state.
	if state.Status == "running" {
		state.Status = status
		state.Hessian = hessRows
		state.Covariance = covRows
		state.Error = errText
		state.EndTime = &now
		state.LastUpdated = now
	} else {
		status = state.Status
	}
	s.estimationsMu.Unlock()

	if s.store != nil {
		if err := s.store.Finish(id, status, hessRows, covRows, errText, now); err != nil {
			s.logger.Error("Failed to persist estimation result", map[string]interface{}{
				"estimation_id": id,
				"error":         err.Error(),
			})
		}
	}

	metrics.EstimationsCompleted.WithLabelValues(status).Inc()
	metrics.EstimationDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		s.logger.Error("Estimation finished with error", map[string]interface{}{
			"estimation_id": id,
			"status":        status,
			"error":         errText,
		})
		return
	}
	s.logger.Info("Estimation completed", map[string]interface{}{
		"estimation_id": id,
		"dims":          len(point),
		"duration":      time.Since(start).String(),
	})
}

// estimationStatus builds the status payload for one job, falling back to
// the store for jobs persisted by earlier runs.
func (s *Server) estimationStatus(id string) (map[string]interface{}, error) {
	s.estimationsMu.RLock()
	state, exists := s.estimations[id]
	if exists {
		defer s.estimationsMu.RUnlock()

		response := map[string]interface{}{
			"estimation_id": state.ID,
			"status":        state.Status,
			"start_time":    state.StartTime.Format(time.RFC3339),
			"last_update":   state.LastUpdated.Format(time.RFC3339),
		}
		if state.EndTime != nil {
			response["end_time"] = state.EndTime.Format(time.RFC3339)
		}
		if state.Hessian != nil {
			response["hessian"] = state.Hessian
		}
		if state.Covariance != nil {
			response["covariance"] = state.Covariance
		}
		if state.Error != "" {
			response["error"] = state.Error
		}
		return response, nil
	}
	s.estimationsMu.RUnlock()

	if s.store == nil {
		return nil, fmt.Errorf("estimation not found")
	}
	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("estimation not found")
		}
		return nil, err
	}

	response := map[string]interface{}{
		"estimation_id": rec.ID,
		"status":        rec.Status,
		"start_time":    rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.CompletedAt != nil {
		response["end_time"] = rec.CompletedAt.Format(time.RFC3339)
	}
	if rec.Hessian != nil {
		response["hessian"] = rec.Hessian
	}
	if rec.Covariance != nil {
		response["covariance"] = rec.Covariance
	}
	if rec.Error != "" {
		response["error"] = rec.Error
	}
	return response, nil
}

// cancelEstimation cancels a running job.
func (s *Server) cancelEstimation(id string) error {
	s.estimationsMu.Lock()
	defer s.estimationsMu.Unlock()

	state, exists := s.estimations[id]
	if !exists {
		return fmt.Errorf("estimation not found")
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		// Already in a terminal state
		return fmt.Errorf("cannot cancel estimation with status: %s", state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Estimation cancelled", map[string]interface{}{
		"estimation_id": id,
	})

	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response.
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// matrixRows flattens a symmetric matrix to row slices for JSON transport.
func matrixRows(m *mat.SymDense) [][]float64 {
	n := m.SymmetricDim()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// Close cancels all running estimations.
func (s *Server) Close() error {
	s.estimationsMu.Lock()
	defer s.estimationsMu.Unlock()

	for _, est := range s.estimations {
		if est.CancelFunc != nil {
			est.CancelFunc()
		}
	}
	return nil
}

// handleEstimate handles POST /api/v1/estimate.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.startEstimation(req)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(result)
}

// handleStatus handles GET /api/v1/estimations/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing estimation ID", http.StatusBadRequest)
		return
	}

	result, err := s.estimationStatus(id)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// handleCancel handles DELETE /api/v1/estimations/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing estimation ID", http.StatusBadRequest)
		return
	}

	err := s.cancelEstimation(id)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "cancellation requested",
	})
}
