package database

import (
	"context"
	"fmt"

	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/vault"
)

// CredentialSource leases database credentials, usually from Vault.
type CredentialSource interface {
	GetDynamicCredentials(ctx context.Context, path string) (vault.DynamicCredentials, error)
}

// Initialize builds the MySQL client described by cfg. When creds is set
// and vault.credentials_path is configured, the leased credentials replace
// the static user and password.
func Initialize(
	ctx context.Context,
	cfg config.Config,
	exec executor.Executor,
	creds CredentialSource,
	log logger.Logger,
) (*MySQL, error) {
	if log == nil {
		log = logger.Global()
	}
	opts := []MySQLOption{WithMySQLLogger(log)}
	if creds != nil && cfg.Vault.CredentialsPath != "" {
		leased, err := creds.GetDynamicCredentials(ctx, cfg.Vault.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("vault read: %w", err)
		}
		log.Info("using leased database credentials", "user", leased.Username, "ttl", leased.TTL.String())
		opts = append(opts, WithMySQLCredentials(leased.Username, leased.Password))
	}
	return NewMySQL(cfg, exec, opts...), nil
}
