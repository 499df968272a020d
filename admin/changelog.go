package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/telemetry"
	"github.com/rs/zerolog/log"
)

// handleListUsers handles GET /admin/changelog/{device}/users
func (h *AdminHandlers) handleListUsers(w http.ResponseWriter, r *http.Request, device string) {
	users, err := h.store.Users(device)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	last := h.store.LastIndex(device)
	result := make([]map[string]interface{}, 0, len(users))
	for _, u := range users {
		var backlog uint64
		if last > u.Checkpoint {
			backlog = last - u.Checkpoint
		}
		result = append(result, map[string]interface{}{
			"id":         u.ID,
			"checkpoint": u.Checkpoint,
			"backlog":    backlog,
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"device":     device,
		"last_index": last,
		"users":      result,
	})
}

// handleRegisterUser handles POST /admin/changelog/{device}/users
func (h *AdminHandlers) handleRegisterUser(w http.ResponseWriter, r *http.Request, device string) {
	id, err := h.store.Register(device)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"device":     device,
		"id":         id,
		"checkpoint": h.store.LastIndex(device),
	})
}

// handleDeregisterUser handles DELETE /admin/changelog/{device}/users/{consumer}
func (h *AdminHandlers) handleDeregisterUser(w http.ResponseWriter, r *http.Request, device string) {
	consumer := chi.URLParam(r, "consumer")
	if err := h.store.Deregister(device, consumer); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, changelog.ErrUnknownConsumer) {
			status = http.StatusNotFound
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"device": device,
		"id":     consumer,
	})
}

// handleAppendRecords handles POST /admin/changelog/{device}/records
func (h *AdminHandlers) handleAppendRecords(w http.ResponseWriter, r *http.Request, device string) {
	records, err := decodeRecords(w, r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Append(device, records); err != nil {
		log.Warn().Err(err).Str("device", device).Msg("Failed to append changelog records")
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.ChangelogAppendedTotal.Add(float64(len(records)))

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"device": device,
		"count":  len(records),
		"first":  records[0].Index,
		"last":   records[len(records)-1].Index,
	})
}
