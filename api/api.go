package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitten-ci/bitten/api/rest/bind"
	"github.com/bitten-ci/bitten/api/rest/controller/build"
	"github.com/bitten-ci/bitten/internal/master"
	"github.com/bitten-ci/bitten/pkg/log"
)

// Options configure the master's HTTP server.
type Options struct {
	// Username and Password protect the build routes with HTTP Basic
	// authentication when Username is set.
	Username string
	Password string
	// Registerer and Gatherer back the /metrics endpoint. They default to
	// the global Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// New builds the master's echo server.
func New(m *master.Master, opts Options) *echo.Echo {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			)
			return nil
		},
	}))

	// health
	e.GET("/health", Health)

	// metrics
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "bitten",
		Registerer: opts.Registerer,
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: opts.Gatherer,
	}))

	// builds
	g := e.Group("/builds")
	if opts.Username != "" {
		g.Use(middleware.BasicAuth(func(user, password string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(user), []byte(opts.Username)) == 1 &&
				subtle.ConstantTimeCompare([]byte(password), []byte(opts.Password)) == 1, nil
		}))
	}
	bind.Builds(g, build.New(m))

	return e
}

// Start serves e on addr until ctx is cancelled.
func Start(ctx context.Context, e *echo.Echo, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- e.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
