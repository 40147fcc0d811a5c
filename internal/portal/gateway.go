// Package portal runs the provisioning gateway used in access-point mode: a
// DNS responder that points every lookup at the node and an HTTP server
// that collects network credentials.
package portal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrAlreadyActive = errors.New("portal already active")

type Config struct {
	DNSListen    string
	HTTPListen   string
	PortalIP     string
	RestartDelay time.Duration
}

type Gateway struct {
	cfg       Config
	store     CredentialSaver
	restarter Restarter
	log       zerolog.Logger

	mu       sync.Mutex
	active   bool
	dns      *DNSResponder
	httpAddr net.Addr
	done     chan struct{}
}

func NewGateway(cfg Config, store CredentialSaver, restarter Restarter, log zerolog.Logger) *Gateway {
	return &Gateway{cfg: cfg, store: store, restarter: restarter, log: log, done: make(chan struct{})}
}

// Activate binds both listeners and serves them in the background until ctx
// is done. It returns once both are bound.
func (g *Gateway) Activate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		return ErrAlreadyActive
	}

	dns, err := ListenDNS(g.cfg.DNSListen, g.cfg.PortalIP, g.log.With().Str("server", "dns").Logger())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", g.cfg.HTTPListen)
	if err != nil {
		dns.conn.Close()
		return err
	}

	srv := &http.Server{
		Handler:           NewHandler(g.store, g.restarter, g.cfg.RestartDelay, g.log.With().Str("server", "http").Logger()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	g.active = true
	g.dns = dns
	g.httpAddr = ln.Addr()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dns.Serve(ctx); err != nil {
			g.log.Error().Err(err).Msg("DNS responder stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		wg.Wait()
		close(g.done)
	}()

	g.log.Info().
		Str("dns", dns.Addr().String()).
		Str("http", g.httpAddr.String()).
		Str("portal_ip", g.cfg.PortalIP).
		Msg("Captive portal started")
	return nil
}

// Addrs reports the bound DNS and HTTP addresses; nil before Activate.
func (g *Gateway) Addrs() (dnsAddr, httpAddr net.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil, nil
	}
	return g.dns.Addr(), g.httpAddr
}

// Done is closed after both servers have stopped.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}
