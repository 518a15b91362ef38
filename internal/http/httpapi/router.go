package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xobi667/xiaobaibai/internal/http/handlers"
	"github.com/xobi667/xiaobaibai/internal/middleware"
)

// Options carries the router-level policy knobs.
type Options struct {
	AllowedOrigins []string
	// JobRateLimit caps job submissions per client IP per minute. Zero
	// disables the limit.
	JobRateLimit int
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer, chimw.Logger)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.JobRateLimit > 0 {
				r.Use(middleware.RateLimit(opts.JobRateLimit, time.Minute))
			}
			r.Post("/projects/{projectID}/jobs", app.CreateJob)
		})
		r.Get("/jobs/{jobID}", app.GetJob)
		r.Get("/jobs/{jobID}/assets", app.DownloadAssets)
		r.Get("/settings", app.GetSettings)
		r.Put("/settings", app.UpdateSettings)
	})

	return r
}
