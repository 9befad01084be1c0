// Package app wires configuration, storage and the gateway together.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"datagate/internal/agreement"
	"datagate/internal/authtoken"
	"datagate/internal/config"
	"datagate/internal/crypto"
	"datagate/internal/db"
	"datagate/internal/events"
	"datagate/internal/fulfill"
	"datagate/internal/gateway"
	"datagate/internal/keeper"
	"datagate/internal/migrate"
	"datagate/internal/operator"
	"datagate/internal/proxy"
	"datagate/internal/registry"
	"datagate/internal/secretstore"
)

// App holds the assembled service.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Gateway *gateway.Gateway
	Log     *zap.SugaredLogger
}

// New builds the gateway for a workspace.
func New(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	zlog, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	log := zlog.Sugar()

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if v, err := migrate.Version(conn); err == nil {
		log.Infow("database ready", "schema_version", v)
	}

	provider, err := providerAccount(cfg, workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ledger := keeper.NewDevLedger()
	tokens := authtoken.New(cfg.AuthToken.Message, cfg.AuthToken.TTL)

	var secrets secretstore.Client
	if cfg.SecretStore.URL != "" {
		secrets = &secretstore.HTTPClient{BaseURL: cfg.SecretStore.URL, AuthTokens: tokens}
	} else {
		secrets = secretstore.NewMemory()
	}

	resolver := proxy.Resolver{IPFSGateway: cfg.Resolve.IPFSGateway, S3TTL: cfg.Resolve.S3PresignTTL}
	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		resolver.S3 = proxy.S3Presigner{Client: s3.NewPresignClient(s3.NewFromConfig(awsCfg))}
	} else {
		log.Warnw("s3 presigning disabled", "err", err)
	}

	var op *operator.Client
	var output operator.Output
	if cfg.Operator.URL != "" {
		op = &operator.Client{BaseURL: cfg.Operator.URL, Secret: cfg.Operator.Secret}
		output = operator.Output{NodeURI: cfg.Operator.OutputNode, PublishOutput: cfg.Operator.PublishOutput}
		if output.NodeURI == "" {
			output.NodeURI = cfg.Operator.URL
		}
	}

	gw := &gateway.Gateway{
		Provider:      provider,
		Ledger:        ledger,
		Orchestrator:  &agreement.Orchestrator{Ledger: ledger, Log: log},
		Coordinator:   &fulfill.Coordinator{Ledger: ledger, Log: log},
		Tokens:        tokens,
		Secrets:       secrets,
		Registry:      registry.Store{DB: conn},
		Events:        events.Writer{DB: conn},
		Resolver:      resolver,
		Operator:      op,
		ComputeOutput: output,
		Log:           log,
	}
	log.Infow("gateway ready", "provider", provider.Address, "ledger", cfg.Ledger.Mode)
	return &App{Config: cfg, DB: conn, Gateway: gw, Log: log}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	if a.Log != nil {
		a.Log.Sync()
	}
	return a.DB.Close()
}

// providerAccount loads the provider key from config or environment, minting
// and persisting a fresh one on first run.
func providerAccount(cfg *config.Config, workspace string) (*crypto.Account, error) {
	if key := cfg.ProviderKey(); key != "" {
		acct, err := crypto.AccountFromHex(key)
		if err != nil {
			return nil, fmt.Errorf("provider key: %w", err)
		}
		return acct, nil
	}
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dir, "provider.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		return crypto.AccountFromHex(strings.TrimSpace(string(raw)))
	}
	acct, err := crypto.NewAccount()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(acct.KeyHex()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist provider key: %w", err)
	}
	return acct, nil
}
