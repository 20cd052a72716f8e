// Package api provides HTTP handlers for the AutoFix API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/autofixlabs/autofix/internal/llm"
	"github.com/autofixlabs/autofix/internal/repair"
	"github.com/autofixlabs/autofix/internal/sandbox"
	"github.com/autofixlabs/autofix/internal/store"
)

// maxRequestBodySize bounds the submitted program plus request framing (1MB).
const maxRequestBodySize = 1 << 20

// Handler provides common handler dependencies.
type Handler struct {
	ctrl    *repair.Controller
	repo    store.Repository
	runner  sandbox.Runner
	patcher llm.PatchClient
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(ctrl *repair.Controller, repo store.Repository, runner sandbox.Runner, patcher llm.PatchClient) *Handler {
	return &Handler{
		ctrl:    ctrl,
		repo:    repo,
		runner:  runner,
		patcher: patcher,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
