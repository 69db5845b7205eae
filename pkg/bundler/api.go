package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docker/model-bundler/pkg/archive"
	"github.com/docker/model-bundler/pkg/logging"
	"github.com/docker/model-bundler/pkg/weights"
)

const (
	// DefaultMaxConcurrentBundles is the default number of bundling
	// operations a Handler runs at once.
	DefaultMaxConcurrentBundles = 4
	// maxRequestBodySize bounds the size of a bundle request.
	maxRequestBodySize = 8 << 20
)

// BundleRequest is the body of a POST /bundles request.
type BundleRequest struct {
	ID           string          `json:"id"`
	Architecture json.RawMessage `json:"architecture"`
}

// BlobStatus is the response of a GET /blobs/{id} request.
type BlobStatus struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
}

// Handler serves the bundling HTTP API.
type Handler struct {
	// log is the associated logger.
	log logging.Logger
	// bundler runs the bundling operations.
	bundler *Bundler
	// tokens is a semaphore restricting the number of concurrent bundling
	// operations.
	tokens chan struct{}
	// router is the HTTP request router.
	router *http.ServeMux
}

// NewHandler creates the HTTP API handler. A non-positive maxConcurrent
// selects DefaultMaxConcurrentBundles.
func NewHandler(log logging.Logger, bundler *Bundler, maxConcurrent int) *Handler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentBundles
	}
	h := &Handler{
		log:     log,
		bundler: bundler,
		tokens:  make(chan struct{}, maxConcurrent),
		router:  http.NewServeMux(),
	}

	h.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}

	// Populate the concurrency semaphore.
	for i := 0; i < maxConcurrent; i++ {
		h.tokens <- struct{}{}
	}
	return h
}

func (h *Handler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /bundles":   h.handleCreateBundle,
		"GET /blobs/{id}": h.handleGetBlob,
	}
}

// GetRoutes returns the route patterns served by the handler.
func (h *Handler) GetRoutes() []string {
	routes := make([]string, 0, 2)
	for route := range h.routeHandlers() {
		routes = append(routes, route)
	}
	return routes
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// handleCreateBundle handles POST /bundles requests.
func (h *Handler) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var request BundleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	model := Model{ID: request.ID, Architecture: request.Architecture}
	if err := model.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Wait for a bundling slot.
	select {
	case <-h.tokens:
	case <-r.Context().Done():
		http.Error(w, "request canceled while waiting to start bundling", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		h.tokens <- struct{}{}
	}()

	bundle, err := h.bundler.CreateBundle(r.Context(), model, WithFormat(format))
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", bundle.Format.MediaType())
	w.Header().Set("Content-Length", strconv.Itoa(len(bundle.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.FileName(model.ID)))
	w.Header().Set("Docker-Content-Digest", bundle.Digest.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(bundle.Data); err != nil {
		h.log.Warnln("Error while writing bundle response:", err)
	}
}

// handleGetBlob handles GET /blobs/{id} requests.
func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exists, err := h.bundler.HasWeights(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(BlobStatus{Name: weights.BlobName(id), Exists: exists}); err != nil {
		h.log.Warnln("Error while encoding blob status response:", err)
	}
}

// statusForError maps pipeline errors to HTTP status codes.
func statusForError(err error) int {
	var genErr *GenerationError
	switch {
	case errors.Is(err, ErrInvalidModel), errors.Is(err, weights.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// The client went away or the server is shutting down.
		return http.StatusServiceUnavailable
	case errors.As(err, &genErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, weights.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, weights.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
