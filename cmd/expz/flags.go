package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/repository"
)

func newFlagsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Manage the flag configs of a deployment",
	}
	cmd.AddCommand(newFlagsPushCommand(root))
	return cmd
}

func newFlagsPushCommand(root *rootOptions) *cobra.Command {
	var (
		file       string
		deployment string
		replace    bool
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload flag configs from a YAML or JSON file",
		Long: `Push stores materialised flag configs for a deployment.

Without --replace the configs are upserted by key. With --replace every
config of the deployment not in the file is removed. Running servers pick
the change up through LISTEN/NOTIFY.`,
		Args: cobra.NoArgs,
	}
	db := addDatabaseFlags(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "flag config file (required)")
	cmd.Flags().StringVar(&deployment, "deployment", "", "deployment id (required)")
	cmd.Flags().BoolVar(&replace, "replace", false, "remove configs missing from the file")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("deployment")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		flags, err := loadFlagConfigs(file)
		if err != nil {
			return err
		}
		return db.withPool(cmd, root, func(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
			return pushFlags(ctx, repository.NewDeploymentStore(repository.NewPostgresRepository(pool), deployment), flags, replace, log)
		})
	}
	return cmd
}

// flagStore is the part of repository.DeploymentStore push writes through.
type flagStore interface {
	DeploymentID() string
	PutAll(ctx context.Context, flags []core.FlagConfig) error
	Replace(ctx context.Context, flags []core.FlagConfig) error
}

func pushFlags(ctx context.Context, st flagStore, flags []core.FlagConfig, replace bool, log *slog.Logger) error {
	for key, missing := range core.MissingDependencies(flags) {
		log.Warn("flag depends on configs not in this push", "flag_key", key, "missing", missing)
	}

	write := st.PutAll
	if replace {
		write = st.Replace
	}
	if err := write(ctx, flags); err != nil {
		return fmt.Errorf("push flags: %w", err)
	}
	log.Info("flags pushed", "deployment_id", st.DeploymentID(), "count", len(flags), "replace", replace)
	return nil
}

// loadFlagConfigs reads a list of flag configs from a YAML or JSON file, or
// from stdin when path is "-". Configs must have unique keys and no
// dependency cycles.
func loadFlagConfigs(path string) ([]core.FlagConfig, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	flags, err := decodeFlagConfigs(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return flags, nil
}

func decodeFlagConfigs(data []byte) ([]core.FlagConfig, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	// Flag configs carry JSON tags and custom variant decoding, so YAML is
	// normalised through JSON.
	if wrapped, ok := doc.(map[string]any); ok {
		doc, ok = wrapped["flags"]
		if !ok {
			return nil, errors.New(`expected a list of flag configs or a "flags" key`)
		}
	}
	normalised, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var flags []core.FlagConfig
	if err := json.Unmarshal(normalised, &flags); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(flags))
	for i, flag := range flags {
		key := strings.TrimSpace(flag.Key)
		if key == "" {
			return nil, fmt.Errorf("flag %d: key is required", i)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate flag key %q", key)
		}
		seen[key] = struct{}{}
		flags[i].Key = key
	}
	if _, err := core.TopologicalSort(flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
