package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"fitpipe/internal/intake"
	"fitpipe/internal/infra"
)

const (
	// HeaderBusinessID names the billing business; required on submissions.
	HeaderBusinessID = "X-Business-ID"
	// HeaderCustomerID optionally narrows billing to one customer of the business.
	HeaderCustomerID = "X-Customer-ID"

	maxRequestBody = 32 << 20
)

// Pinger reports whether a backing dependency is reachable.
type Pinger func(ctx context.Context) error

type App struct {
	Intake *intake.Service
	Logger infra.Logger
	Ping   Pinger
}

func NewApp(svc *intake.Service, logger infra.Logger, ping Pinger) *App {
	return &App{Intake: svc, Logger: logger, Ping: ping}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}
