// Package temporal runs workflow job bodies on Temporal as an alternative durable executor.
package temporal

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/logger"
)

type ClientConfig struct {
	Endpoint  string
	Namespace string
	APIKey    string
}

// NewClientFromConfig creates a Temporal client from the application config.
func NewClientFromConfig(cfg *config.Config, log *logger.Logger) (client.Client, error) {
	return CreateClient(ClientConfig{
		Endpoint:  cfg.TemporalEndpoint,
		Namespace: cfg.TemporalNamespace,
		APIKey:    cfg.TemporalAPIKey,
	}, log)
}

// CreateClient dials Temporal.
func CreateClient(cfg ClientConfig, log *logger.Logger) (client.Client, error) {
	c, err := client.Dial(clientOptions(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	return c, nil
}

// clientOptions uses TLS and API key credentials only when APIKey is set (Temporal Cloud).
func clientOptions(cfg ClientConfig, log *logger.Logger) client.Options {
	opts := client.Options{
		HostPort:  cfg.Endpoint,
		Namespace: cfg.Namespace,
		Logger:    temporallog.NewStructuredLogger(log.WithComponent("temporal").Logger),
	}

	if cfg.APIKey == "" {
		return opts
	}

	opts.ConnectionOptions = client.ConnectionOptions{
		TLS: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialOptions: []grpc.DialOption{
			grpc.WithUnaryInterceptor(
				func(ctx context.Context, method string, req any, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
					return invoker(
						metadata.AppendToOutgoingContext(ctx, "temporal-namespace", cfg.Namespace),
						method,
						req,
						reply,
						cc,
						callOpts...,
					)
				},
			),
		},
	}
	opts.Credentials = client.NewAPIKeyStaticCredentials(cfg.APIKey)

	return opts
}
