package service

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// NewHTTPServer returns the API server for the app's server config.
func NewHTTPServer(app *App) *http.Server {
	cfg := app.Config.Server
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewAPI(app).Router(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the app's background services and the HTTP API until ctx is
// canceled. Services that miss the shutdown deadline are logged.
func Serve(ctx context.Context, app *App) error {
	tree := NewTree(app.Logger, TreeConfig{ShutdownTimeout: app.Config.Server.ShutdownTimeout})
	tree.AddApp(app)
	tree.AddAPI(NewHTTPService(NewHTTPServer(app), app.Config.Server.ShutdownTimeout))

	app.Logger.Info("serving", "listen", app.Config.Server.Listen)
	err := tree.Serve(ctx)

	if unstopped, rerr := tree.UnstoppedServiceReport(); rerr == nil {
		for _, u := range unstopped {
			app.Logger.Warn("service did not stop in time", "service", u.Name)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
