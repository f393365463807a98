package router

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/crm-export-proxy/internal/health"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/handler"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/middleware"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
)

type Dependencies struct {
	AuthHandler       *handler.AuthHandler
	DataHandler       *handler.DataHandler
	ExportHandler     *handler.ExportHandler
	CallbackPath      string
	CORSOrigins       []string
	APIRateLimitRPM   int
	GlobalRateLimiter GlobalRateLimiterFunc
	Readiness         *health.ProbeRunner
	StaticDir         string
	LandingPage       string
	RequestBodyLimit  int64
	EnableOTelHTTP    bool
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(bodyLimit(dep.RequestBodyLimit)))
	r.Use(middleware.ResolveSession)
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).WithBypassEvaluator(middleware.HealthProbeBypass).WithCost(middleware.ExportCost).Middleware())
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	landing := dep.LandingPage
	if landing == "" {
		landing = "/wdc.html"
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, landing, http.StatusFound)
	})

	if dep.AuthHandler != nil {
		callback := dep.CallbackPath
		if callback == "" {
			callback = "/callback"
		}
		r.Get("/auth", dep.AuthHandler.Begin)
		r.Get(callback, dep.AuthHandler.Callback)
		r.Get("/status", dep.AuthHandler.Status)
	}
	if dep.DataHandler != nil {
		r.Get("/getBlackbaudData", dep.DataHandler.Fetch)
		r.Get("/data", dep.DataHandler.Fetch)
	}
	if dep.ExportHandler != nil {
		r.Route("/bulk/{resource}", func(r chi.Router) {
			r.Get("/", dep.ExportHandler.Start)
			r.Get("/chunk", dep.ExportHandler.Chunk)
			r.Delete("/{id}", dep.ExportHandler.Purge)
		})
	}

	if dep.StaticDir != "" {
		if info, err := os.Stat(dep.StaticDir); err == nil && info.IsDir() {
			r.NotFound(http.FileServer(http.Dir(dep.StaticDir)).ServeHTTP)
		}
	}

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

func bodyLimit(n int64) int64 {
	if n <= 0 {
		return 1 << 20
	}
	return n
}
