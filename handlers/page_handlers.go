package handlers

import (
	"bytes"
	"net/http"

	"docdigest/shared"
)

type indexPage struct {
	Runs []shared.RunRecord
}

// HandleIndex serves the main page with the submit form and recent runs.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), defaultListLimit)
	if err != nil {
		// the form still works without the history table
		h.logger.Error("Listing runs for index failed", "error", err)
	}
	h.render(w, http.StatusOK, "index", indexPage{Runs: runs})
}

// render executes a named template into a buffer so a template error never
// leaves a half-written page.
func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("Error executing template", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
