// Package gateway parses gateway command configuration and starts the
// gateway runtime.
package gateway

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	entrypoint "github.com/louisbranch/satp-gateway/internal/platform/cmd"
	server "github.com/louisbranch/satp-gateway/internal/services/gateway/app"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/orchestrator"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

// Config holds gateway command configuration.
type Config struct {
	GatewayID          string        `env:"SATP_GATEWAY_ID"`
	Port               int           `env:"SATP_GATEWAY_PORT" envDefault:"7070"`
	Addr               string        `env:"SATP_GATEWAY_ADDR"`
	HTTPAddr           string        `env:"SATP_GATEWAY_HTTP_ADDR" envDefault:"127.0.0.1:7080"`
	AuditBackend       string        `env:"SATP_GATEWAY_AUDIT_BACKEND" envDefault:"sqlite"`
	AuditPath          string        `env:"SATP_GATEWAY_AUDIT_PATH"`
	KeystorePath       string        `env:"SATP_GATEWAY_KEYSTORE_PATH"`
	KeystorePassphrase string        `env:"SATP_GATEWAY_KEYSTORE_PASSPHRASE"`
	Peers              string        `env:"SATP_GATEWAY_PEERS"`
	Ledgers            string        `env:"SATP_GATEWAY_LEDGERS"`
	StageTimeout       time.Duration `env:"SATP_GATEWAY_STAGE_TIMEOUT" envDefault:"30s"`
	StageTimeouts      string        `env:"SATP_GATEWAY_STAGE_TIMEOUTS"`
	MaxRetries         int           `env:"SATP_GATEWAY_MAX_RETRIES" envDefault:"3"`
	TickInterval       time.Duration `env:"SATP_GATEWAY_TICK_INTERVAL" envDefault:"1s"`
	Workers            int           `env:"SATP_GATEWAY_WORKERS" envDefault:"8"`
	ArchiveAfter       time.Duration `env:"SATP_GATEWAY_ARCHIVE_AFTER" envDefault:"10m"`
	PersistMaxAttempts uint          `env:"SATP_GATEWAY_PERSIST_MAX_ATTEMPTS" envDefault:"5"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.GatewayID, "id", cfg.GatewayID, "The gateway id (required without a keystore)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The gateway gRPC port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The gateway gRPC listen address (overrides -port)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The operator API listen address")
	fs.StringVar(&cfg.AuditBackend, "audit-backend", cfg.AuditBackend, "Audit log backend: sqlite, bbolt or memory")
	fs.StringVar(&cfg.AuditPath, "audit-path", cfg.AuditPath, "Audit log file")
	fs.StringVar(&cfg.KeystorePath, "keystore", cfg.KeystorePath, "Keystore file; created on first start")
	fs.StringVar(&cfg.Peers, "peers", cfg.Peers, "Trusted peers as id=base64key@host:port,...")
	fs.StringVar(&cfg.Ledgers, "ledgers", cfg.Ledgers, "Development ledgers as L1:asset=amount;...,L2")
	fs.DurationVar(&cfg.StageTimeout, "stage-timeout", cfg.StageTimeout, "Default time a session may wait in one stage")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "How often pending sessions are driven")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the gateway until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	runtime, err := RuntimeConfig(cfg)
	if err != nil {
		return err
	}
	options := entrypoint.RunOptions{
		Attributes: []attribute.KeyValue{attribute.String("satp.gateway_id", runtime.Keys.GatewayID)},
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, options, func(ctx context.Context) error {
		return server.Run(ctx, runtime)
	})
}

// RuntimeConfig resolves keys, peers, ledgers and timers from cfg.
func RuntimeConfig(cfg Config) (server.Config, error) {
	keys, err := loadKeys(cfg)
	if err != nil {
		return server.Config{}, err
	}
	peers, err := identity.ParsePeers(cfg.Peers)
	if err != nil {
		return server.Config{}, fmt.Errorf("peers: %w", err)
	}
	adapters, err := server.ParseDevLedgers(cfg.Ledgers)
	if err != nil {
		return server.Config{}, fmt.Errorf("ledgers: %w", err)
	}
	perStage, err := session.ParseStageTimeouts(cfg.StageTimeouts)
	if err != nil {
		return server.Config{}, fmt.Errorf("stage timeouts: %w", err)
	}
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		if !errors.Is(err, integrity.ErrKeyNotConfigured) {
			return server.Config{}, err
		}
		keyring = nil
	}

	grpcAddr := cfg.Addr
	if grpcAddr == "" {
		grpcAddr = fmt.Sprintf(":%d", cfg.Port)
	}
	return server.Config{
		GRPCAddr:     grpcAddr,
		HTTPAddr:     cfg.HTTPAddr,
		AuditBackend: cfg.AuditBackend,
		AuditPath:    cfg.AuditPath,
		Keyring:      keyring,
		Keys:         keys,
		Peers:        peers,
		Adapters:     adapters,
		Orchestrator: orchestrator.Config{
			Timeouts:     session.Timeouts{Default: cfg.StageTimeout, PerStage: perStage},
			MaxRetries:   cfg.MaxRetries,
			ArchiveAfter: cfg.ArchiveAfter,
			Workers:      cfg.Workers,
		},
		TickInterval:       cfg.TickInterval,
		PersistMaxAttempts: cfg.PersistMaxAttempts,
	}, nil
}

// loadKeys opens the keystore, creating it on first start. Without a
// keystore path an ephemeral key is generated.
func loadKeys(cfg Config) (identity.KeyPair, error) {
	id := strings.TrimSpace(cfg.GatewayID)
	path := strings.TrimSpace(cfg.KeystorePath)
	if path == "" {
		keys, err := identity.GenerateKeyPair(id, nil)
		if err != nil {
			return identity.KeyPair{}, err
		}
		log.Printf("using ephemeral key; peers must trust %s", identity.FormatPeer(identity.Peer{GatewayID: keys.GatewayID, PublicKey: keys.PublicKey}))
		return keys, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		keys, err := identity.GenerateKeyPair(id, nil)
		if err != nil {
			return identity.KeyPair{}, err
		}
		if err := identity.SaveKeystore(path, cfg.KeystorePassphrase, keys); err != nil {
			return identity.KeyPair{}, err
		}
		log.Printf("created keystore %s for %s (fingerprint %s)", path, keys.GatewayID, identity.Fingerprint(keys.PublicKey))
		return keys, nil
	}
	keys, err := identity.LoadKeystore(path, cfg.KeystorePassphrase)
	if err != nil {
		return identity.KeyPair{}, err
	}
	if id != "" && id != keys.GatewayID {
		return identity.KeyPair{}, fmt.Errorf("keystore %s belongs to %s, not %s", path, keys.GatewayID, id)
	}
	return keys, nil
}
