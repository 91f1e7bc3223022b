// Command clearnode-sim serves a local clearnode for development. It accepts
// the auth and app-session methods the booking service uses and keeps all
// state in memory.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/noflake/libs/config"
	"github.com/md-rashed-zaman/noflake/libs/httpx"
	"github.com/md-rashed-zaman/noflake/libs/runtime"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc/rpctest"
)

func main() {
	logger := runtime.NewLogger("clearnode-sim")
	runtime.LoadDotEnv(logger)

	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	ctx, stop := runtime.SignalContext()
	defer stop()

	mux := runtime.NewBaseMuxWithReady()
	mux.Handle("/ws", rpctest.NewHandler(logger))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpx.Chain(mux, httpx.WithRequestID, httpx.WithAccessLog(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("clearnode simulator listening", "addr", srv.Addr, "ws_path", "/ws")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
}
