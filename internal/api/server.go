// Package api is the aggregator's public HTTP surface: report upload and
// crypto config discovery for clients, collection start/poll for the
// collector. The peer-to-peer sub-protocols never touch this surface; they
// run over the QUIC transport.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"TwinTally/internal/batch"
	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/types"
	"TwinTally/internal/vdaf"
)

const (
	// maxBodySize caps request bodies; a report or collect request is far
	// smaller.
	maxBodySize = 1 << 20
)

// ReportUploader accepts client reports for aggregation.
type ReportUploader interface {
	Upload(ctx context.Context, r *protocol.Report, now uint64) error
}

// Collector runs the collection lifecycle.
type Collector interface {
	StartCollection(taskID protocol.TaskID, sel protocol.BatchSelector, aggParam []byte) (protocol.CollectionID, error)
	PollCollection(ctx context.Context, id protocol.CollectionID) (*batch.Status, error)
}

// TaskProvisioner activates operator-submitted signed task documents.
type TaskProvisioner interface {
	ProvisionTask(ctx context.Context, adv *protocol.TaskAdvertise, now uint64) (protocol.TaskID, error)
}

// ConfigProvider advertises the process's HPKE configs.
type ConfigProvider interface {
	Configs() []protocol.HpkeConfig
}

// TaskDirectory exposes activated tasks for monitoring and config discovery.
type TaskDirectory interface {
	All() []*task.Task
	Get(id protocol.TaskID) (*task.Task, bool)
}

// Server is the HTTP API server. The leader-only collaborators are nil on
// helpers; their routes then answer 404.
type Server struct {
	addr        string          // addr is the HTTP listen address
	uploader    ReportUploader  // uploader accepts reports, leader only
	collector   Collector       // collector runs collections, leader only
	provisioner TaskProvisioner // provisioner activates tasks, leader only
	configs     ConfigProvider  // configs serves HPKE config discovery
	tasks       TaskDirectory   // tasks lists activated tasks
	server      *http.Server    // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, uploader ReportUploader, collector Collector, provisioner TaskProvisioner, configs ConfigProvider, tasks TaskDirectory) *Server {
	return &Server{
		addr:        addr,
		uploader:    uploader,
		collector:   collector,
		provisioner: provisioner,
		configs:     configs,
		tasks:       tasks,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /hpke_config", s.handleHpkeConfig)
	mux.HandleFunc("GET /tasks", s.handleTasks)

	if s.uploader != nil {
		mux.HandleFunc("POST /upload", s.handleUpload)
	}

	if s.collector != nil {
		mux.HandleFunc("POST /collect", s.handleCollect)
		mux.HandleFunc("GET /collect/{id}", s.handlePollCollect)
	}

	if s.provisioner != nil {
		mux.HandleFunc("PUT /task", s.handleProvisionTask)
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleUpload handles POST /upload requests: body is one encoded report.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	report, err := protocol.DecodeReport(body)
	if err != nil {
		writeKindError(w, protocol.WrapErr(protocol.KindMalformedInput, err, "decode report"))
		return
	}

	now := uint64(time.Now().Unix())

	if err := s.uploader.Upload(r.Context(), report, now); err != nil {
		writeKindError(w, err)
		return
	}

	// Acceptance means queued, not aggregated.
	w.WriteHeader(http.StatusAccepted)
}

// handleProvisionTask handles PUT /task requests: body is one signed task
// document envelope, the response names the activated task.
func (s *Server) handleProvisionTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	adv, err := protocol.DecodeTaskAdvertise(body)
	if err != nil {
		writeKindError(w, protocol.WrapErr(protocol.KindMalformedInput, err, "decode task document"))
		return
	}

	now := uint64(time.Now().Unix())

	id, err := s.provisioner.ProvisionTask(r.Context(), adv, now)
	if err != nil {
		writeKindError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"task": hex.EncodeToString(id[:]),
	})
}

// handleCollect handles POST /collect requests: body is one encoded
// collection request, the response carries the collection job identifier.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req, err := protocol.DecodeCollectReq(body)
	if err != nil {
		writeKindError(w, protocol.WrapErr(protocol.KindMalformedInput, err, "decode collect request"))
		return
	}

	id, err := s.collector.StartCollection(req.TaskID, req.Selector, req.AggParam)
	if err != nil {
		writeKindError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"collection": hex.EncodeToString(id[:]),
	})
}

// handlePollCollect handles GET /collect/{id} requests.
func (s *Server) handlePollCollect(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("id"))
	if err != nil || len(raw) != len(protocol.CollectionID{}) {
		writeError(w, http.StatusBadRequest, "invalid collection id")
		return
	}

	var id protocol.CollectionID
	copy(id[:], raw)

	status, err := s.collector.PollCollection(r.Context(), id)
	if err != nil {
		writeKindError(w, err)
		return
	}

	switch status.State {
	case types.CollectionStateDone:
		writeJSON(w, http.StatusOK, map[string]any{
			"state":     "done",
			"aggregate": status.Aggregate,
			"count":     status.Count,
		})
	case types.CollectionStateFailed:
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   "failed",
			"failure": status.Failure.String(),
			"message": status.Message,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"state": "pending",
		})
	}
}

// handleHpkeConfig handles GET /hpke_config requests, answering in wire
// encoding. Without parameters it serves the process's own configs; with
// task_id (and optionally role) it serves the configs the named task's
// document advertises for that recipient.
func (s *Server) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	configs := s.configs.Configs()

	if param := r.URL.Query().Get("task_id"); param != "" {
		raw, err := hex.DecodeString(param)
		if err != nil || len(raw) != len(protocol.TaskID{}) {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}

		var id protocol.TaskID
		copy(id[:], raw)

		t, ok := s.tasks.Get(id)
		if !ok {
			writeKindError(w, protocol.Errf(protocol.KindUnknownTaskOrConfig, "task %s not active", id))
			return
		}

		role, err := configRole(r.URL.Query().Get("role"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		configs = t.ConfigsFor(role)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(protocol.EncodeHpkeConfigList(configs))
}

// configRole parses the role query parameter; empty selects the leader.
func configRole(param string) (vdaf.Role, error) {
	switch param {
	case "", "leader":
		return vdaf.RoleLeader, nil
	case "helper":
		return vdaf.RoleHelper, nil
	default:
		return 0, fmt.Errorf("unknown role %q", param)
	}
}

// handleTasks handles GET /tasks requests.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	all := s.tasks.All()

	out := make([]map[string]any, 0, len(all))
	for _, t := range all {
		out = append(out, map[string]any{
			"id":           hex.EncodeToString(t.ID[:]),
			"scheme":       t.Scheme.Name(),
			"minBatchSize": t.Config.MinBatchSize,
			"expiration":   t.Config.Expiration,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// kindStatus maps a classified error onto its HTTP status.
func kindStatus(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindMalformedInput, protocol.KindDecryptionFailure:
		return http.StatusBadRequest
	case protocol.KindUnknownTaskOrConfig:
		return http.StatusNotFound
	case protocol.KindReplayOrOverlap:
		return http.StatusConflict
	case protocol.KindBatchNotReady:
		return http.StatusAccepted
	case protocol.KindBatchExhausted:
		return http.StatusGone
	case protocol.KindPeerUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeKindError writes a classified error response.
func writeKindError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	if kind == 0 {
		logger.Error("api request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, kindStatus(kind), map[string]string{
		"error":  kind.String(),
		"detail": err.Error(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
