package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fitpipe/internal/http/handlers"
	"fitpipe/internal/middleware"
)

type RouterOptions struct {
	Logger          zerolog.Logger
	Gatherer        prometheus.Gatherer
	CORSOrigins     []string
	RateLimitPerMin int
	// TempFiles serves staged temporary objects under /tmp when set.
	TempFiles stdhttp.Handler
}

func NewRouter(app *handlers.App, opts RouterOptions) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer, middleware.Logger(opts.Logger))
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)
	if opts.Gatherer != nil {
		r.Method(stdhttp.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute, middleware.BusinessOrIP))
		r.Post("/", app.JobsSubmit)
		r.Get("/{job_id}", app.JobsStatus)
	})

	if opts.TempFiles != nil {
		r.Handle("/tmp/*", stdhttp.StripPrefix("/tmp/", opts.TempFiles))
	}

	return r
}
