package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-xen/internal/config"
	"github.com/rcourtman/pulse-xen/internal/monitoring"
	"github.com/rcourtman/pulse-xen/pkg/tlsutil"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

func clientConfig(cfg *config.Config) xenapi.ClientConfig {
	return xenapi.ClientConfig{
		Host:        cfg.XenHost,
		Fingerprint: cfg.Fingerprint,
		VerifySSL:   cfg.VerifySSL,
		Timeout:     cfg.Timeout,
		RPCTimeout:  cfg.RPCTimeout,
		RawTimeout:  cfg.RawTimeout,
	}
}

func registryOptions(cfg *config.Config) monitoring.Options {
	return monitoring.Options{
		InventoryInterval:  cfg.InventoryInterval,
		EventInterval:      cfg.EventInterval,
		MetricsInterval:    cfg.MetricsInterval,
		FailurePolicy:      monitoring.FailurePolicy(cfg.FailurePolicy),
		MaxRetries:         cfg.FailureMaxRetries,
		NotifyMode:         monitoring.NotifyMode(cfg.NotifyMode),
		AdvanceEventCursor: cfg.AdvanceEventCursor,
	}
}

// connect bootstraps a registry against the configured pool master. The
// synchronizer loops run until ctx is cancelled.
func connect(ctx context.Context, cfg *config.Config) (*monitoring.Registry, error) {
	tlsutil.SetDNSCacheTTL(cfg.DNSCacheTTL)

	if !cfg.VerifySSL && cfg.Fingerprint == "" {
		log.Warn().Str("host", cfg.XenHost).Msg("TLS verification disabled and no fingerprint pinned")
	}

	client, err := xenapi.NewClient(clientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create xapi client: %w", err)
	}

	registry := monitoring.NewRegistry(client, registryOptions(cfg))
	if err := registry.Bootstrap(ctx, cfg.XenUser, cfg.XenPassword); err != nil {
		return nil, fmt.Errorf("bootstrap pool %s: %w", cfg.XenHost, err)
	}
	return registry, nil
}
