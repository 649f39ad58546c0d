package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	acc "github.com/panyam/accounts"
	accgrpc "github.com/panyam/accounts/grpc"
	"github.com/panyam/accounts/handlers"
	"github.com/panyam/accounts/oauth2"
	"github.com/panyam/accounts/openid"
	"github.com/panyam/accounts/saml"
)

type serveFlags struct {
	addr     string
	grpcAddr string
	baseURL  string

	samlKey      string
	samlCert     string
	samlKeyFile  string
	samlMetadata string
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the account routes over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC listen address; disabled when empty")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "http://localhost:8080", "Externally visible origin used for redirect URIs")
	cmd.Flags().StringVar(&f.samlKey, "saml-provider", "sso", "Provider key of the SAML identity provider")
	cmd.Flags().StringVar(&f.samlCert, "saml-cert", "", "Service provider certificate file")
	cmd.Flags().StringVar(&f.samlKeyFile, "saml-key", "", "Service provider private key file")
	cmd.Flags().StringVar(&f.samlMetadata, "saml-metadata", "", "Identity provider metadata URL; SAML is disabled when empty")

	return cmd
}

func serve(ctx context.Context, f serveFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closer, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	registry, err := buildRegistry(ctx, cfg, f)
	if err != nil {
		return err
	}
	engine := acc.NewEngine(store, registry, cfg)
	if cfg.OIDC.Enabled() {
		engine.Resolver = openid.NewResolver(cfg.OIDC).Resolve
	}
	sessionManager := acc.NewSessionManager(store, cfg)

	scsManager := scs.New()
	scsManager.Lifetime = 24 * time.Hour
	scsManager.Cookie.Secure = strings.HasPrefix(f.baseURL, "https://")
	if f.samlMetadata != "" {
		// The IdP posts back cross-site, which lax cookies do not survive.
		scsManager.Cookie.SameSite = http.SameSiteNoneMode
		scsManager.Cookie.Secure = true
	}

	h := handlers.New(engine, sessionManager, scsManager, f.baseURL)
	h.Cookie.Secure = scsManager.Cookie.Secure
	router := h.Router()
	router.Handle("/", h.EnsureUser(http.HandlerFunc(home))).Methods(http.MethodGet)
	server := &http.Server{
		Addr:              f.addr,
		Handler:           scsManager.LoadAndSave(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		slog.Info("serving http", "addr", f.addr, "providers", registry.Keys(), "openid", engine.Resolver != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var grpcServer *grpc.Server
	if f.grpcAddr != "" {
		lis, err := net.Listen("tcp", f.grpcAddr)
		if err != nil {
			return err
		}
		grpcServer = newGRPCServer(sessionManager)
		go func() {
			slog.Info("serving grpc", "addr", f.grpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return server.Shutdown(shutdownCtx)
}

// home greets the logged in user.
func home(w http.ResponseWriter, r *http.Request) {
	user := handlers.UserFromContext(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Hello user %d %s\n", user.ID, user.Email)
}

// buildRegistry registers every provider that has credentials configured.
func buildRegistry(ctx context.Context, cfg *acc.Config, f serveFlags) (*acc.ProviderRegistry, error) {
	registry := acc.NewProviderRegistry()
	for name, pc := range cfg.Providers() {
		switch name {
		case oauth2.GoogleKey:
			registry.Register(name, oauth2.NewGoogleFactory(pc))
			if cfg.OpenIDRealm != "" {
				registry.Register(name+"-openid", oauth2.NewGoogleOpenIDFactory(pc, cfg.OpenIDRealm))
			}
		case oauth2.GithubKey:
			registry.Register(name, oauth2.NewGithubFactory(pc))
		}
	}

	if f.samlMetadata != "" {
		rootURL, err := url.Parse(f.baseURL)
		if err != nil {
			return nil, err
		}
		opts, err := saml.LoadOptions(ctx, f.samlKey, f.samlCert, f.samlKeyFile, f.samlMetadata, *rootURL)
		if err != nil {
			return nil, err
		}
		registry.Register(f.samlKey, saml.NewFactory(*opts))
	}
	return registry, nil
}

// newGRPCServer resolves sessions from call metadata. Health checks are
// public; every other method requires a logged in user.
func newGRPCServer(sessions *acc.SessionManager) *grpc.Server {
	authConfig := accgrpc.NewPublicMethodsConfig(sessions,
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
	)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(accgrpc.UnaryAuthInterceptor(authConfig)),
		grpc.ChainStreamInterceptor(accgrpc.StreamAuthInterceptor(authConfig)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}
