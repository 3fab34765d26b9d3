package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/user"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/bibsync/internal/config"
	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/service"
)

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// operatorName is the token subject: $BIBCTL_OPERATOR or the OS user.
func operatorName() string {
	if v := os.Getenv("BIBCTL_OPERATOR"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "bibctl"
}

// issueToken signs a short-lived control token with the shared key.
func issueToken(cfg *config.Config) (string, error) {
	if err := cfg.ValidateControl(); err != nil {
		return "", err
	}
	tok, _, err := service.NewTokenService([]byte(cfg.Control.JWTKey), cfg.Control.TokenTTL).Issue(operatorName())
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}

func dial(ctx context.Context, g *globals, cfg *config.Config) (*grpc.ClientConn, *controlpb.ControlClient, error) {
	token, err := issueToken(cfg)
	if err != nil {
		return nil, nil, err
	}
	addr := g.addr
	if addr == "" {
		addr = cfg.Control.Addr
	}

	var creds credentials.TransportCredentials
	if g.plaintext {
		creds = insecure.NewCredentials()
	} else if creds, err = loadTLS(g.caPath, g.skipVerify); err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(bearerCreds{token: token, secure: !g.plaintext}),
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, controlpb.NewControlClient(cc), nil
}
