// Package repository provides PostgreSQL-backed persistence for deployments
// and their materialised flag configs. Writes notify a LISTEN/NOTIFY channel
// so evaluation servers drop stale snapshots without polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/expz/internal/core"
)

const defaultNotifyChannel = "flag_configs_changed"

// ErrInvalidFlagConfig is returned when a config cannot be stored.
var ErrInvalidFlagConfig = errors.New("invalid flag config")

// Deployment is a set of flag configs addressed by one deployment key.
type Deployment struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Invalidation names the deployment whose flag configs changed. An empty
// DeploymentID means every deployment should be reloaded.
type Invalidation struct {
	DeploymentID string   `json:"deployment_id"`
	Keys         []string `json:"keys,omitempty"`
}

// PostgresRepository implements deployment and flag config persistence backed
// by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_configs_changed" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// CreateDeployment stores a new deployment with a bcrypt hash of a freshly
// generated secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateDeployment(ctx context.Context, name string) (Deployment, string, error) {
	id, err := generateRandomHex(16)
	if err != nil {
		return Deployment{}, "", fmt.Errorf("generate deployment id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return Deployment{}, "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Deployment{}, "", fmt.Errorf("hash deployment key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "deployment-" + id[:8]
	}

	var created Deployment
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO deployments (id, name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, created_at
	`, id, name, string(hash)).Scan(&created.ID, &created.Name, &created.CreatedAt); err != nil {
		return Deployment{}, "", fmt.Errorf("create deployment: %w", err)
	}

	return created, secret, nil
}

// ValidateDeploymentKey returns the stored hash for a non-revoked deployment.
// Callers compare the secret outside this package.
func (r *PostgresRepository) ValidateDeploymentKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM deployments
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate deployment key: %w", err)
	}

	return keyHash, nil
}

// ListDeployments returns every non-revoked deployment ordered by name.
func (r *PostgresRepository) ListDeployments(ctx context.Context) ([]Deployment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM deployments
		WHERE revoked_at IS NULL
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	deployments := make([]Deployment, 0)
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments rows: %w", err)
	}

	return deployments, nil
}

// RevokeDeployment disables a deployment key. Returns pgx.ErrNoRows (wrapped)
// if the deployment does not exist or is already revoked.
func (r *PostgresRepository) RevokeDeployment(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE deployments SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke deployment: %w", err)
	}
	return noRows("revoke deployment", commandTag)
}

// GetFlagConfig returns a single flag config. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetFlagConfig(ctx context.Context, deploymentID, key string) (core.FlagConfig, error) {
	var raw []byte
	if err := r.pool.QueryRow(ctx, `
		SELECT config
		FROM flag_configs
		WHERE deployment_id = $1 AND key = $2
	`, deploymentID, key).Scan(&raw); err != nil {
		return core.FlagConfig{}, fmt.Errorf("get flag config: %w", err)
	}

	var flag core.FlagConfig
	if err := json.Unmarshal(raw, &flag); err != nil {
		return core.FlagConfig{}, fmt.Errorf("decode flag config %q: %w", key, err)
	}
	return flag, nil
}

// ListFlagConfigs returns every flag config of a deployment ordered by key.
func (r *PostgresRepository) ListFlagConfigs(ctx context.Context, deploymentID string) ([]core.FlagConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, config
		FROM flag_configs
		WHERE deployment_id = $1
		ORDER BY key
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list flag configs: %w", err)
	}
	defer rows.Close()

	flags := make([]core.FlagConfig, 0)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan flag config: %w", err)
		}

		var flag core.FlagConfig
		if err := json.Unmarshal(raw, &flag); err != nil {
			return nil, fmt.Errorf("decode flag config %q: %w", key, err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag configs rows: %w", err)
	}

	return flags, nil
}

// PutFlagConfigs upserts configs for a deployment and notifies listeners in
// the same transaction. With replace set, configs not listed are removed.
func (r *PostgresRepository) PutFlagConfigs(ctx context.Context, deploymentID string, flags []core.FlagConfig, replace bool) error {
	encoded, err := encodeFlagConfigs(flags)
	if err != nil {
		return err
	}

	changed := keysOf(flags)
	if replace {
		changed = nil
	}

	return r.withNotify(ctx, deploymentID, changed, func(tx pgx.Tx) error {
		if replace {
			if _, err := tx.Exec(ctx, `DELETE FROM flag_configs WHERE deployment_id = $1`, deploymentID); err != nil {
				return fmt.Errorf("clear flag configs: %w", err)
			}
		}

		batch := &pgx.Batch{}
		for _, flag := range flags {
			batch.Queue(`
				INSERT INTO flag_configs (deployment_id, key, config)
				VALUES ($1, $2, $3)
				ON CONFLICT (deployment_id, key)
				DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
			`, deploymentID, flag.Key, encoded[flag.Key])
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert flag configs: %w", err)
		}
		return nil
	})
}

// DeleteFlagConfig removes one config. Returns pgx.ErrNoRows (wrapped) if the
// config does not exist.
func (r *PostgresRepository) DeleteFlagConfig(ctx context.Context, deploymentID, key string) error {
	return r.withNotify(ctx, deploymentID, []string{key}, func(tx pgx.Tx) error {
		commandTag, err := tx.Exec(ctx, `DELETE FROM flag_configs WHERE deployment_id = $1 AND key = $2`, deploymentID, key)
		if err != nil {
			return fmt.Errorf("delete flag config: %w", err)
		}
		return noRows("delete flag config", commandTag)
	})
}

// ClearFlagConfigs removes every config of a deployment.
func (r *PostgresRepository) ClearFlagConfigs(ctx context.Context, deploymentID string) error {
	return r.withNotify(ctx, deploymentID, nil, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM flag_configs WHERE deployment_id = $1`, deploymentID); err != nil {
			return fmt.Errorf("clear flag configs: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withNotify(ctx context.Context, deploymentID string, keys []string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flag config tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	payload, err := marshalNotifyPayload(Invalidation{DeploymentID: deploymentID, Keys: keys})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify flag configs changed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit flag config tx: %w", err)
	}
	return nil
}

// SubscribeFlagInvalidation returns a channel that receives the deployment
// named by each notification on the LISTEN channel. The listener reconnects
// after connection loss and the channel is closed when ctx ends. A slow
// consumer sees bursts collapsed into a single reload-everything signal.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan Invalidation, error) {
	invalidations := make(chan Invalidation, 16)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- Invalidation) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}

		// Changes made while disconnected are unknown: reload everything.
		select {
		case invalidations <- Invalidation{}:
		default:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- Invalidation) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for flag config notification: %w", err)
		}

		select {
		case invalidations <- parseNotifyPayload(notification.Payload):
		default:
			// Full buffer: collapse into a reload of everything.
			select {
			case invalidations <- Invalidation{}:
			default:
			}
		}
	}
}

func encodeFlagConfigs(flags []core.FlagConfig) (map[string][]byte, error) {
	encoded := make(map[string][]byte, len(flags))
	for _, flag := range flags {
		if strings.TrimSpace(flag.Key) == "" {
			return nil, fmt.Errorf("%w: key is required", ErrInvalidFlagConfig)
		}
		if _, dup := encoded[flag.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidFlagConfig, flag.Key)
		}
		raw, err := json.Marshal(flag)
		if err != nil {
			return nil, fmt.Errorf("encode flag config %q: %w", flag.Key, err)
		}
		encoded[flag.Key] = raw
	}
	return encoded, nil
}

func keysOf(flags []core.FlagConfig) []string {
	keys := make([]string, 0, len(flags))
	for _, flag := range flags {
		keys = append(keys, flag.Key)
	}
	return keys
}

func noRows(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(inv Invalidation) (string, error) {
	serialized, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

// parseNotifyPayload never fails: an unreadable payload invalidates every
// deployment.
func parseNotifyPayload(payload string) Invalidation {
	var inv Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return Invalidation{}
	}
	return inv
}
