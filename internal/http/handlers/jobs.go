package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fitpipe/internal/domain"
	"fitpipe/internal/intake"
)

type jobSubmitRequest struct {
	JobType    domain.JobType  `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

func (a *App) JobsSubmit(w http.ResponseWriter, r *http.Request) {
	businessID := strings.TrimSpace(r.Header.Get(HeaderBusinessID))
	if businessID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", HeaderBusinessID+" header is required")
		return
	}
	var req jobSubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	acc, err := a.Intake.Submit(r.Context(), intake.Request{
		JobType:    req.JobType,
		Payload:    req.Payload,
		WebhookURL: req.WebhookURL,
		Principal: domain.Principal{
			BusinessID: businessID,
			CustomerID: strings.TrimSpace(r.Header.Get(HeaderCustomerID)),
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_type", string(req.JobType)).Msg("jobs: submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}
	a.json(w, http.StatusAccepted, acc)
}

func (a *App) JobsStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.Intake.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("jobs: status lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, view)
}
