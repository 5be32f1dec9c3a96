package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"swcache/internal/swcache"
	"swcache/internal/syncstore/sqlite"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: :<server.port>)")
	return cmd
}

func serve(parent context.Context, configPath, addr string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pending, err := sqlite.Open(cfg.Sync.DB)
	if err != nil {
		return fmt.Errorf("open sync db: %w", err)
	}
	defer pending.Close()

	svc, err := swcache.NewService(cfg, swcache.Options{Pending: pending})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := newHTTPServer(svc)

	go func() {
		log.Printf("swcache listening on %s, origin=%s, stores=%v", addr, cfg.App.Origin, svc.Versions().Names())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHTTPServer serves svc over HTTP/1.1 and h2c. Shutdown ends the
// long-lived client event streams so it does not wait on them.
func newHTTPServer(svc *swcache.Service) *http.Server {
	srv := &http.Server{
		Handler:           h2c.NewHandler(svc.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if hub := svc.Hub(); hub != nil {
		srv.RegisterOnShutdown(hub.Shutdown)
	}
	return srv
}
