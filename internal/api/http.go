package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/myterms/consentledger/internal/bridge"
	"github.com/myterms/consentledger/internal/logging"
	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/service"
)

const maxBodyBytes = 2 << 20

type ServiceInfo struct {
	Name        string
	Version     string
	StoreDriver string
}

// Handler serves health and the HTTP side of the bridge.
type Handler struct {
	dispatcher *bridge.Dispatcher
	pipeline   bridge.Pipeline
	info       ServiceInfo
	logger     *slog.Logger
}

func NewHandler(pipeline bridge.Pipeline, info ServiceInfo, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: bridge.NewDispatcher(pipeline, logger),
		pipeline:   pipeline,
		info:       info,
		logger:     logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Post("/v1/bridge", h.handleBridge)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pipeline.QueueSummary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "unsettled_count", summary.UnsettledCount)
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:         "ok",
		Service:        h.info.Name,
		Version:        h.info.Version,
		StoreDriver:    h.info.StoreDriver,
		UnsettledCount: summary.UnsettledCount,
	})
}

// handleBridge answers 200 with a bridge reply for every well-formed
// envelope, failed operations included. Non-200 means the envelope never
// reached the dispatcher.
func (h *Handler) handleBridge(w http.ResponseWriter, r *http.Request) {
	var env bridge.Envelope
	if err := decodeJSON(r, &env); err != nil {
		h.writeError(w, r, service.BadRequest(err.Error(), err))
		return
	}
	if env.RequestID == "" || env.Operation == "" {
		h.writeError(w, r, service.BadRequest("requestId and operation are required", nil))
		return
	}
	reply := h.dispatcher.Handle(r.Context(), env)
	logging.AddField(r.Context(), "op", string(env.Operation))
	logging.AddField(r.Context(), "bridge_request_id", env.RequestID)
	logging.AddField(r.Context(), "success", reply.Success)
	if reply.Error != nil {
		logging.AddField(r.Context(), "error_code", reply.Error.Code)
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternal)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternal,
		Message:   "internal server error",
		Retryable: true,
	}})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
