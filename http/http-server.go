package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/programme-lv/grader/app"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/logger"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	CorsOrigins []string
	LogLevel    slog.Level
	JSONLogs    bool
}

type HttpServer struct {
	app      *app.App
	router   *chi.Mux
	validate *validator.Validate
	cache    *cache.Cache
	sfGroup  singleflight.Group
}

func NewHttpServer(a *app.App, opts Options) *HttpServer {
	router := chi.NewRouter()

	httpLogger := httplog.NewLogger("grader", httplog.Options{
		LogLevel:         opts.LogLevel,
		JSON:             opts.JSONLogs,
		Concise:          true,
		MessageFieldName: "message",
		QuietDownRoutes:  []string{"/healthz"},
		QuietDownPeriod:  time.Minute,
	})

	router.Use(middleware.RequestID)
	router.Use(httplog.RequestLogger(httpLogger))
	router.Use(middleware.Recoverer)
	router.Use(contextLogger)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           3000,
	}))

	server := &HttpServer{
		app:      a,
		router:   router,
		validate: catalog.NewValidator(),
		cache:    cache.New(5*time.Second, 10*time.Second),
	}

	server.routes()

	return server
}

// contextLogger hands the request logger to the services.
func contextLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithLogger(r.Context(), httplog.LogEntry(r.Context()))
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (httpserver *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.router.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then drains open requests.
func (httpserver *HttpServer) Start(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           httpserver.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.FromContext(ctx).Info("http server listening", "address", address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (httpserver *HttpServer) routes() {
	r := httpserver.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/archives", httpserver.postArchive)
	r.Get("/archives", httpserver.listArchives)
	r.Delete("/archives/{checksum}", httpserver.deleteArchive)
	r.Get("/archives/{checksum}/index", httpserver.getArchiveIndex)
	r.Post("/archives/{checksum}/marks", httpserver.postArchiveMarks)

	r.Get("/codes", httpserver.listCodes)
	r.Post("/codes", httpserver.createCode)
	r.Get("/codes/{codeId}", httpserver.getCode)
	r.Put("/codes/{codeId}", httpserver.updateCode)
	r.Delete("/codes/{codeId}", httpserver.deleteCode)
	r.Post("/codes/{codeId}/migrate", httpserver.migrateCode)

	r.Get("/students", httpserver.listStudents)
	r.Get("/feedback/{student}", httpserver.listStudentFeedback)
	r.Get("/feedback/{student}/{exercise}", httpserver.getFeedback)
	r.Put("/feedback/{student}/{exercise}", httpserver.putFeedback)
	r.Get("/feedback/{student}/{exercise}/history", httpserver.getFeedbackHistory)
	r.Get("/progress", httpserver.getProgress)

	r.Post("/exports", httpserver.postBatchExport)
	r.Post("/exports/{student}", httpserver.postExportJob)
	r.Get("/exports/jobs/{jobId}", httpserver.getExportJob)
	r.Delete("/exports/jobs/{jobId}", httpserver.cancelExportJob)
}
