package api

import (
	"encoding/json"
	"net/http"
)

// ingestContent stores the item and evaluates it against every enabled
// rule in one request. The response explains each rule's outcome.
func (s *Server) ingestContent(w http.ResponseWriter, r *http.Request) {
	var dto contentDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	content := dto.toModel()
	if err := s.store.PutContent(r.Context(), &content); err != nil {
		s.fail(w, err)
		return
	}
	outcomes, err := s.evaluator.Evaluate(r.Context(), content)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"content_id": content.ID,
		"outcomes":   outcomes,
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
