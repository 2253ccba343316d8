package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jiazeyu1987/patentforge/internal/prompt"
	"github.com/jiazeyu1987/patentforge/internal/queue"
	"github.com/jiazeyu1987/patentforge/internal/store"
)

// reviewPreviewLen bounds the lastReviewPreview field returned by the
// synchronous generate endpoint.
const reviewPreviewLen = 500

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store       store.Store
	manager     *queue.Manager
	templates   *prompt.TemplateRegistry
	userPrompts *prompt.UserPromptStore
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(st store.Store, manager *queue.Manager, templates *prompt.TemplateRegistry, userPrompts *prompt.UserPromptStore) *Handler {
	return &Handler{store: st, manager: manager, templates: templates, userPrompts: userPrompts}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("POST /api/generate/async", h.GenerateAsync)
	mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.CancelTask)
	mux.HandleFunc("GET /api/templates/", h.ListTemplates)
	mux.HandleFunc("GET /api/user/prompts", h.GetUserPrompts)
	mux.HandleFunc("POST /api/user/prompts", h.SetUserPrompts)
	mux.HandleFunc("GET /api/conversations/tasks/{id}/rounds", h.ListRounds)
	mux.HandleFunc("GET /api/conversations/tasks/{id}/rounds/{i}", h.GetRound)
}

func decodeInput(w http.ResponseWriter, r *http.Request) (store.Input, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var in store.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return store.Input{}, false
	}
	return in, true
}

// Generate handles POST /api/generate: runs the full writer/reviewer round
// loop synchronously and responds once a draft exists.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}

	result, err := h.manager.RunSync(r.Context(), in)
	if err != nil {
		writeGenerateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"iterations":        result.Iterations,
		"outputPath":        result.OutputPath,
		"lastReviewPreview": preview(result.LastReview, reviewPreviewLen),
	})
}

// GenerateAsync handles POST /api/generate/async: enqueues the run and
// returns immediately with the task ID.
func (h *Handler) GenerateAsync(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}

	id, err := h.manager.Submit(r.Context(), in)
	if err != nil {
		writeGenerateError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "taskId": id})
}

func writeGenerateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	resp := map[string]any{
		"status":    j.Status,
		"progress":  j.Progress,
		"message":   j.Message,
		"createdAt": j.CreatedAt,
	}
	if j.Result != nil {
		resp["result"] = j.Result
	}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	outcome, err := h.manager.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": outcome == queue.CancelOK})
}

// ListTemplates handles GET /api/templates/.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	descriptors := h.templates.Descriptors()
	var defaultID string
	for _, d := range descriptors {
		if d.IsDefault {
			defaultID = d.ID
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                  true,
		"templates":           descriptors,
		"default_template_id": defaultID,
	})
}

// GetUserPrompts handles GET /api/user/prompts.
func (h *Handler) GetUserPrompts(w http.ResponseWriter, r *http.Request) {
	rec := h.userPrompts.Get()

	stats, err := h.manager.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to gather statistics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"prompts": map[string]string{
				"writer":   rec.WriterPrompt,
				"reviewer": rec.ReviewerPrompt,
			},
			"stats": map[string]any{
				"countsByStatus": stats.Counts,
				"queueDepth":     stats.QueueDepth,
				"workerBusy":     stats.WorkerBusy,
			},
		},
	})
}

// SetUserPrompts handles POST /api/user/prompts.
func (h *Handler) SetUserPrompts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Writer   string `json:"writer"`
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := h.userPrompts.Set(req.Writer, req.Reviewer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save prompts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListRounds handles GET /api/conversations/tasks/{id}/rounds.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	indices, err := h.store.RoundsFor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rounds")
		return
	}
	if indices == nil {
		indices = []int{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": indices})
}

// GetRound handles GET /api/conversations/tasks/{id}/rounds/{i}.
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	idx, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "round index must be an integer")
		return
	}

	view, err := h.store.Round(r.Context(), id, idx)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "round not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get round")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": view})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	writeJSON(w, status, map[string]any{"ok": false, "message": message})
}
