package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/meet"
	"github.com/diaslmb/tldv/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Handler serves the read API, the websocket event feed, /metrics and, when
// a bridge is given, the driver endpoints.
func Handler(hub *Hub, store SessionStore, controls Controls, bridge *meet.Bridge) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, store, controls)
	mux.Handle("GET /metrics", metrics.Handler())
	if bridge != nil {
		bridge.Register(mux)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// Listen binds addr so callers know the real address (":0" included) before
// serving.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve runs until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	log := logging.WithComponent("http")
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
