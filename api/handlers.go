package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"gifconv/models"
	"gifconv/queue"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultListLimit  = 50
	keepAliveInterval = 25 * time.Second
)

type enqueuer interface {
	Enqueue(ctx context.Context, d models.JobDescriptor) (models.JobHandle, error)
}

type recordStore interface {
	Create(ctx context.Context, c *models.Conversion) error
	Get(ctx context.Context, id string) (*models.Conversion, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Conversion, error)
	FindAndUpdate(ctx context.Context, id string, u models.RecordUpdate) (*models.Conversion, error)
}

type subscriber interface {
	Subscribe(ownerID string) (<-chan models.Event, func())
}

type Handler struct {
	queue   enqueuer
	store   recordStore
	events  subscriber
	roots   models.Roots
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHandler wires HTTP handlers. Submitted local paths are resolved under
// roots. submitRate <= 0 disables submission rate limiting.
func NewHandler(q enqueuer, store recordStore, events subscriber, roots models.Roots, submitRate float64, submitBurst int, logger zerolog.Logger) *Handler {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if submitRate > 0 {
		if submitBurst <= 0 {
			submitBurst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(submitRate), submitBurst)
	}
	return &Handler{
		queue:   q,
		store:   store,
		events:  events,
		roots:   roots,
		limiter: limiter,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

type submitRequest struct {
	models.JobDescriptor
	OriginalFileName string `json:"originalFileName,omitempty"`
}

type submitResponse struct {
	JobID        string `json:"jobId"`
	ConversionID string `json:"conversionId"`
	Status       string `json:"status"`
}

// SubmitJob handles POST /api/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many submissions")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner := OwnerFrom(r.Context())
	if req.OwnerID == "" {
		req.OwnerID = owner
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	confined, err := h.roots.Confine(req.JobDescriptor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.JobDescriptor = confined
	if req.OwnerID != owner {
		writeError(w, http.StatusForbidden, "ownerId does not match the authenticated user")
		return
	}

	created, err := h.ensureRecord(r.Context(), req)
	if err != nil {
		if errors.Is(err, errForeignRecord) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("conversion_id", req.ConversionID).Msg("failed to prepare conversion record")
		writeError(w, http.StatusServiceUnavailable, "conversion store unavailable")
		return
	}

	handle, err := h.queue.Enqueue(r.Context(), req.JobDescriptor)
	if err != nil {
		h.logger.Error().Err(err).Str("conversion_id", req.ConversionID).Msg("failed to enqueue job")
		if created {
			// A record created for this submission must not stay pending with no job behind it
			_, _ = h.store.FindAndUpdate(context.WithoutCancel(r.Context()), req.ConversionID, models.MarkFailed("submission failed: "+err.Error()))
		}
		if errors.Is(err, queue.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        handle.ID,
		ConversionID: handle.ConversionID,
		Status:       "queued",
	})
}

var errForeignRecord = errors.New("conversion belongs to another user")

// ensureRecord creates the pending record unless the caller already did.
func (h *Handler) ensureRecord(ctx context.Context, req submitRequest) (bool, error) {
	existing, err := h.store.Get(ctx, req.ConversionID)
	if err == nil {
		if existing.OwnerID != req.OwnerID {
			return false, errForeignRecord
		}
		return false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	name := req.OriginalFileName
	if name == "" {
		name = filepath.Base(req.InputPath)
	}
	c := &models.Conversion{
		ID:               req.ConversionID,
		OwnerID:          req.OwnerID,
		OriginalFileName: name,
		InputPath:        req.InputPath,
		OutputPath:       req.OutputPath,
		Status:           models.StatusPending,
	}
	if err := h.store.Create(ctx, c); err != nil {
		return false, fmt.Errorf("create conversion: %w", err)
	}
	return true, nil
}

// GetConversion handles GET /api/conversions/{id}.
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Another owner's record is indistinguishable from a missing one
	if c.OwnerID != OwnerFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListConversions handles GET /api/conversions.
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= defaultListLimit {
			limit = n
		}
	}

	list, err := h.store.ListByOwner(r.Context(), OwnerFrom(r.Context()), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Conversion{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Events handles GET /api/events as a server-sent event stream of the
// owner's conversion updates.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	owner := OwnerFrom(r.Context())
	events, leave := h.events.Subscribe(owner)
	defer leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	h.logger.Info().Str("owner_id", owner).Msg("client connected")
	defer h.logger.Info().Str("owner_id", owner).Msg("client disconnected")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: conversionStatus\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
