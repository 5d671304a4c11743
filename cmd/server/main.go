package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/authcodes"
	"github.com/jrsteele09/go-mcp-gateway/broker"
	"github.com/jrsteele09/go-mcp-gateway/clients"
	"github.com/jrsteele09/go-mcp-gateway/gateway"
	"github.com/jrsteele09/go-mcp-gateway/internal/config"
	"github.com/jrsteele09/go-mcp-gateway/server"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
	"github.com/jrsteele09/go-mcp-gateway/token"
	"github.com/jrsteele09/go-mcp-gateway/upstream"
)

const version = "1.0.0"

func main() {
	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer, err := buildServer(ctx, c)
	if err != nil {
		return fmt.Errorf("buildServer: %w", err)
	}

	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

// buildServer wires the stores, broker, HTTP surface and MCP gateway
// together and starts the background sweepers.
func buildServer(ctx context.Context, c config.Config) (*http.Server, error) {
	signingKey, err := token.DeriveKey(c.GetMasterSecret(), "credential-signing", 32)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	stateKey, err := token.DeriveKey(c.GetMasterSecret(), "state-integrity", 32)
	if err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}

	issuer, err := token.NewIssuer(token.NewHMACSigner(signingKey), c.GetBaseURL(), token.WithExpiry(c.GetCredentialTTL()))
	if err != nil {
		return nil, fmt.Errorf("token.NewIssuer: %w", err)
	}
	stateCodec, err := broker.NewStateCodec(stateKey)
	if err != nil {
		return nil, fmt.Errorf("broker.NewStateCodec: %w", err)
	}

	provider, err := upstream.NewOIDCProvider(ctx, c, c.GetBaseURL()+server.RouteOAuthCallback)
	if err != nil {
		return nil, fmt.Errorf("upstream.NewOIDCProvider: %w", err)
	}

	sessionRepo := sessions.NewInMemoryRepo(c.GetSessionTTL())
	codeRepo := authcodes.NewInMemoryRepo(c.GetAuthCodeTTL(), authcodes.WithCodeLength(c.GetCodeGenerationLength()))
	clientRepo := clients.NewInMemoryRepo()

	sessionRepo.StartSweeper(ctx, c.GetSweepInterval())
	codeRepo.StartSweeper(ctx, c.GetSweepInterval())

	b, err := broker.New(broker.Repos{
		Sessions: sessionRepo,
		Codes:    codeRepo,
		Clients:  clientRepo,
	}, provider, issuer, stateCodec)
	if err != nil {
		return nil, fmt.Errorf("broker.New: %w", err)
	}

	srv, err := server.New(c, b, clientRepo)
	if err != nil {
		return nil, fmt.Errorf("server.New: %w", err)
	}

	executor := upstream.NewAPIExecutor(c.GetUpstreamAPIBaseURL(), c.GetUpstreamTimeout())
	g := gateway.New(c.GetAppName(), version, executor, c.IsReadOnly())
	srv.MountMCP(c.GetMCPPath(), g.Handler(c.GetMCPPath()))

	return &http.Server{
		Addr:              c.GetPort(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
