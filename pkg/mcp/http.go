package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// maxBodyBytes bounds a single JSON-RPC message body.
const maxBodyBytes = 1 << 20

// HTTPHandler serves one JSON-RPC message per POST body. The presented API
// key is taken from the Authorization Bearer header, falling back to
// X-API-Key.
type HTTPHandler struct {
	srv       *Server
	requestID func(context.Context) string
}

// NewHTTPHandler wraps the server for HTTP hosting. requestID, when
// non-nil, extracts the transport request ID for audit correlation.
func NewHTTPHandler(srv *Server, requestID func(context.Context) string) *HTTPHandler {
	return &HTTPHandler{srv: srv, requestID: requestID}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, "cannot read request body", status)
		return
	}

	caller := Caller{APIKey: apiKeyFromRequest(r)}
	if h.requestID != nil {
		caller.RequestID = h.requestID(r.Context())
	}

	resp := h.srv.Handle(r.Context(), body, caller)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zctx.From(r.Context()).Error("Write rpc response", zap.Error(err))
	}
}

func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return key
		}
	}
	return r.Header.Get("X-API-Key")
}
