package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) listDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.store.ListDestinations(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]destinationDTO, 0, len(dests))
	for _, d := range dests {
		out = append(out, destinationFromModel(d))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createDestination(w http.ResponseWriter, r *http.Request) {
	var dto destinationDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := dto.toModel()
	if err := s.store.CreateDestination(r.Context(), d); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, destinationFromModel(*d))
}

func (s *Server) getDestination(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	d, err := s.store.GetDestination(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, destinationFromModel(*d))
}

func (s *Server) updateDestination(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var dto destinationDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := dto.toModel()
	d.ID = id
	if err := s.store.UpdateDestination(r.Context(), d); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, destinationFromModel(*d))
}

func (s *Server) deleteDestination(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteDestination(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, m := range rules {
		out = append(out, ruleFromModel(m))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var dto ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := dto.toModel()
	if err := s.store.CreateRule(r.Context(), m); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ruleFromModel(*m))
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	m, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ruleFromModel(*m))
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var dto ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := dto.toModel()
	m.ID = id
	if err := s.store.UpdateRule(r.Context(), m); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ruleFromModel(*m))
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	targets, err := s.store.ListTargets(r.Context(), ruleID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]targetDTO, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetFromModel(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var dto targetDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Both ends of the binding must exist before it is persisted.
	if _, err := s.store.GetRule(r.Context(), ruleID); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetDestination(r.Context(), dto.DestinationID); err != nil {
		s.fail(w, err)
		return
	}
	t := &model.DistributionTarget{
		RuleID:         ruleID,
		DestinationID:  dto.DestinationID,
		Enabled:        dto.Enabled,
		MergeForward:   dto.MergeForward,
		UseAuthorName:  dto.UseAuthorName,
		RenderOverride: dto.RenderOverride,
		Position:       dto.Position,
	}
	if err := s.store.CreateTarget(r.Context(), t); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, targetFromModel(*t))
}

func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	var dto targetDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	existing.Enabled = dto.Enabled
	existing.MergeForward = dto.MergeForward
	existing.UseAuthorName = dto.UseAuthorName
	existing.RenderOverride = dto.RenderOverride
	existing.Position = dto.Position
	if err := s.store.UpdateTarget(r.Context(), existing); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, targetFromModel(*existing))
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteTarget(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
