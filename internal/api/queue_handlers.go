package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/queue"
)

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.Status(q.Get("status"))
	if status != "" && !model.KnownStatus(status) {
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	items, err := s.queue.List(r.Context(), status, limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]queueItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, queueItemFromModel(it))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	detail, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	records := make([]pushRecordDTO, 0, len(detail.Records))
	for _, rec := range detail.Records {
		records = append(records, pushRecordDTO{
			ID:                rec.ID,
			DestinationID:     rec.DestinationID,
			ExternalMessageID: rec.ExternalMessageID,
			Status:            string(rec.Status),
			ErrorMessage:      rec.ErrorMessage,
			CreatedAt:         rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"item":    queueItemFromModel(detail.Item),
		"records": records,
	})
}

// queueOp adapts a queue state transition into a handler.
func (s *Server) queueOp(op func(*queue.Service, context.Context, int64) (*model.QueueItem, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		it, err := op(s.queue, r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, queueItemFromModel(*it))
	}
}

func (s *Server) reorderItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.queue.Reorder(r.Context(), id, req.NewIndex); err != nil {
		s.fail(w, err)
		return
	}
	it, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queueItemFromModel(it.Item))
}

func (s *Server) rescheduleItems(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if req.BaseTime.IsZero() {
		s.writeError(w, http.StatusBadRequest, "base_time is required")
		return
	}
	if err := s.queue.Reschedule(r.Context(), req.IDs, req.BaseTime); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"rescheduled": len(req.IDs)})
}

func (s *Server) pushNowItems(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if err := s.queue.PushNow(r.Context(), req.IDs); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"queued": len(req.IDs)})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
