package relay

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"imconnect/node/internal/config"
	"imconnect/node/internal/logging"
)

// SharedSecretMetadataKey carries the cluster secret on relay calls.
const SharedSecretMetadataKey = "x-relay-shared-secret"

// ServerOptions derives the relay server's transport security from cfg. Both mTLS and
// the shared secret may be enabled together.
func ServerOptions(cfg config.RelayConfig, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption
	if cfg.TLSCertPath != "" {
		creds, err := loadServerMTLS(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("relay mTLS enabled")
	}
	if strings.TrimSpace(cfg.SharedSecret) != "" {
		opts = append(opts, grpc.ChainUnaryInterceptor(NewSharedSecretInterceptor(cfg.SharedSecret)))
		logger.Info("relay shared-secret authentication enabled")
	}
	if len(opts) == 0 {
		logger.Warn("relay server running without authentication")
	}
	return opts, nil
}

// ClientOptions mirrors ServerOptions for outgoing calls.
func ClientOptions(cfg config.RelayConfig) ([]ClientOption, error) {
	opts := []ClientOption{WithTimeout(cfg.Timeout), WithCompression(cfg.Compression)}
	if cfg.TLSCertPath != "" {
		creds, err := loadClientMTLS(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTransportCredentials(creds))
	}
	if cfg.SharedSecret != "" {
		opts = append(opts, WithSharedSecret(cfg.SharedSecret))
	}
	return opts, nil
}

// NewSharedSecretInterceptor rejects calls that do not present secret.
func NewSharedSecretInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if normalized == "" {
			return nil, status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return nil, status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(ctx, req)
	}
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if strings.HasPrefix(strings.ToLower(value), "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadCAPool(caPath string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read relay ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse relay ca bundle")
	}
	return pool, nil
}

func loadServerMTLS(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load relay keypair: %w", err)
	}
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func loadClientMTLS(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load relay keypair: %w", err)
	}
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
