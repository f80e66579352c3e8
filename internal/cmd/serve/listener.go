package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunningServer is a bound HTTP listener.
type RunningServer struct {
	Addr   net.Addr
	Port   int
	Server *http.Server
	Close  func(ctx context.Context) error
}

// startHTTPServer binds cfg.Port (0 picks a free port) and serves handler in
// the background. With EnableH2C the listener also accepts prior-knowledge
// and upgraded plaintext HTTP/2.
func startHTTPServer(cfg config.ListenerConfig, handler http.Handler, name string, logger *log.Logger) (*RunningServer, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}

	if cfg.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "server", name, "err", err)
		}
	}()

	port := 0
	if tcpAddr, ok := lis.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	var closeOnce sync.Once
	closeFn := func(ctx context.Context) error {
		var shutdownErr error
		closeOnce.Do(func() {
			if err := srv.Shutdown(ctx); err != nil && err != context.Canceled {
				shutdownErr = err
			}
		})
		return shutdownErr
	}

	return &RunningServer{
		Addr:   lis.Addr(),
		Port:   port,
		Server: srv,
		Close:  closeFn,
	}, nil
}
