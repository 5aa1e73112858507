package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/expz/internal/core"
)

// FlagConfigRepository is the subset of [PostgresRepository] a
// [DeploymentStore] needs.
type FlagConfigRepository interface {
	GetFlagConfig(ctx context.Context, deploymentID, key string) (core.FlagConfig, error)
	ListFlagConfigs(ctx context.Context, deploymentID string) ([]core.FlagConfig, error)
	PutFlagConfigs(ctx context.Context, deploymentID string, flags []core.FlagConfig, replace bool) error
	ClearFlagConfigs(ctx context.Context, deploymentID string) error
}

// DeploymentStore is the flag store of a single deployment.
type DeploymentStore struct {
	repo         FlagConfigRepository
	deploymentID string
}

func NewDeploymentStore(repo FlagConfigRepository, deploymentID string) *DeploymentStore {
	return &DeploymentStore{repo: repo, deploymentID: deploymentID}
}

func (s *DeploymentStore) DeploymentID() string {
	return s.deploymentID
}

// Get reports false when the flag does not exist.
func (s *DeploymentStore) Get(ctx context.Context, key string) (core.FlagConfig, bool, error) {
	flag, err := s.repo.GetFlagConfig(ctx, s.deploymentID, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.FlagConfig{}, false, nil
	}
	if err != nil {
		return core.FlagConfig{}, false, err
	}
	return flag, true, nil
}

func (s *DeploymentStore) GetAll(ctx context.Context) (map[string]core.FlagConfig, error) {
	flags, err := s.repo.ListFlagConfigs(ctx, s.deploymentID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]core.FlagConfig, len(flags))
	for _, flag := range flags {
		byKey[flag.Key] = flag
	}
	return byKey, nil
}

func (s *DeploymentStore) Put(ctx context.Context, flag core.FlagConfig) error {
	return s.PutAll(ctx, []core.FlagConfig{flag})
}

func (s *DeploymentStore) PutAll(ctx context.Context, flags []core.FlagConfig) error {
	if len(flags) == 0 {
		return nil
	}
	if err := s.repo.PutFlagConfigs(ctx, s.deploymentID, flags, false); err != nil {
		return fmt.Errorf("put flag configs for %s: %w", s.deploymentID, err)
	}
	return nil
}

// Replace swaps the whole deployment for flags in one transaction.
func (s *DeploymentStore) Replace(ctx context.Context, flags []core.FlagConfig) error {
	if err := s.repo.PutFlagConfigs(ctx, s.deploymentID, flags, true); err != nil {
		return fmt.Errorf("replace flag configs for %s: %w", s.deploymentID, err)
	}
	return nil
}

func (s *DeploymentStore) Clear(ctx context.Context) error {
	if err := s.repo.ClearFlagConfigs(ctx, s.deploymentID); err != nil {
		return fmt.Errorf("clear flag configs for %s: %w", s.deploymentID, err)
	}
	return nil
}
