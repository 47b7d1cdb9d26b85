package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/service"
)

type SubscriberController struct {
	SubscriberService *service.SubscriberService

	log zerolog.Logger
}

func NewSubscriberController(svc *service.SubscriberService, log zerolog.Logger) *SubscriberController {
	return &SubscriberController{SubscriberService: svc, log: log}
}

// List supports search, source and active filters on top of pagination.
func (c *SubscriberController) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.SubscriberFilter{Search: q.Get("search")}
	if src := q.Get("source"); src != "" {
		parsed, err := model.ParseSubscriberSource(src)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Source = parsed
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		filter.Active = &active
	}

	page, pageSize := pageParams(r)
	res, err := c.SubscriberService.List(r.Context(), page, pageSize, filter)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *SubscriberController) Create(w http.ResponseWriter, r *http.Request) {
	var body service.CreateSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}
	sub, err := c.SubscriberService.Create(r.Context(), body)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (c *SubscriberController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.SubscriberService.Stats(r.Context())
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *SubscriberController) Import(w http.ResponseWriter, r *http.Request) {
	res, err := c.SubscriberService.Import(r.Context())
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *SubscriberController) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "subscriber")
	if !ok {
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		writeMessage(w, http.StatusBadRequest, "body must be {\"active\": true|false}")
		return
	}
	sub, err := c.SubscriberService.SetActive(r.Context(), id, *body.Active)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (c *SubscriberController) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "subscriber")
	if !ok {
		return
	}
	if err := c.SubscriberService.Delete(r.Context(), id); err != nil {
		writeError(w, c.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
