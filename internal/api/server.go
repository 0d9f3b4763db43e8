// Package api is the HTTP surface: enqueueing, job status, suspension,
// schedules and read-only views of collected data.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/usage"
)

type Queue interface {
	Add(ctx context.Context, in domain.JobInput, opts queue.Options) (string, error)
	Get(ctx context.Context, id string) (*queue.JobInfo, error)
	Remove(ctx context.Context, id string) (bool, error)
	RemoveRepeat(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

type Store interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	InsertJob(ctx context.Context, j *domain.Job) error
	MarkFailed(ctx context.Context, id, msg string, calls int, at time.Time) error
	SuspendJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error)
	GetProduct(ctx context.Context, asin string) (*domain.Product, error)
	PriceHistory(ctx context.Context, productID int64, limit int) ([]domain.PriceSnapshot, error)
	ListReviews(ctx context.Context, productID int64, limit int) ([]domain.Review, error)
}

type Usage interface {
	Stats(ctx context.Context) (usage.Stats, error)
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Server struct {
	q        Queue
	store    Store
	usage    Usage
	log      *zap.Logger
	secret   string
	checks   map[string]Check
	gatherer prometheus.Gatherer
	requests *prometheus.CounterVec
}

type Option func(*Server)

// WithSigningKey enables bearer-token auth on /v1.
func WithSigningKey(k string) Option { return func(s *Server) { s.secret = k } }

// WithCheck adds a dependency to /healthz.
func WithCheck(name string, c Check) Option { return func(s *Server) { s.checks[name] = c } }

// WithRegistry registers the HTTP metrics with reg and serves reg's metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.gatherer, s.requests = reg, newRequestCounter(reg) }
}

func New(q Queue, store Store, u Usage, log *zap.Logger, opts ...Option) *Server {
	s := &Server{q: q, store: store, usage: u, log: log, checks: map[string]Check{}}
	for _, o := range opts {
		o(s)
	}
	if s.requests == nil {
		s.gatherer, s.requests = prometheus.DefaultGatherer, newRequestCounter(prometheus.DefaultRegisterer)
	}
	return s
}

func newRequestCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodq",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(Auth(s.secret))
		r.Post("/jobs", s.enqueue)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/suspend", s.suspendJob)
		r.Post("/schedules", s.createSchedule)
		r.Get("/queue/stats", s.queueStats)
		r.Get("/usage", s.usageStats)
		r.Get("/products/{asin}", s.getProduct)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.requests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	res := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			res[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		res[name] = "ok"
	}
	writeJSON(w, status, res)
}
