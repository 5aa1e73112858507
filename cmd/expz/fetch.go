package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/client"
	"github.com/matt-riley/expz/internal/config"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/service"
	"github.com/matt-riley/expz/internal/transport"
)

// clientFlags connects the SDK commands to a running server.
type clientFlags struct {
	env *envFlags
}

func addClientFlags(cmd *cobra.Command) *clientFlags {
	env := newEnvFlags(cmd)
	cmd.Flags().String("server", "", "expz server URL (default $EXPZ_SERVER_URL)")
	cmd.Flags().String("deployment-key", "", "deployment key <id>.<secret> (default $EXPZ_DEPLOYMENT_KEY)")
	cmd.Flags().String("transport", "", "sse or grpc (default $EXPZ_STREAM_TRANSPORT)")
	cmd.Flags().String("grpc-addr", "", "gRPC server address (default $EXPZ_GRPC_ADDR)")
	cmd.Flags().Duration("timeout", 0, "request timeout (default $EXPZ_FETCH_TIMEOUT)")
	env.bind("server", "EXPZ_SERVER_URL")
	env.bind("deployment-key", "EXPZ_DEPLOYMENT_KEY")
	env.bind("transport", "EXPZ_STREAM_TRANSPORT")
	env.bind("grpc-addr", "EXPZ_GRPC_ADDR")
	env.bind("timeout", "EXPZ_FETCH_TIMEOUT")
	return &clientFlags{env: env}
}

func (c *clientFlags) load(cmd *cobra.Command, root *rootOptions) (config.ClientConfig, *slog.Logger, error) {
	cfg, err := config.LoadClientFrom(c.env.getenv)
	if err != nil {
		return config.ClientConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := root.logger(cmd, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.ClientConfig{}, nil, err
	}
	return cfg, log, nil
}

// newAPI returns the SDK transport selected by cfg and a function releasing
// it.
func newAPI(cfg config.ClientConfig) (client.API, func() error, error) {
	if cfg.StreamTransport == config.StreamTransportGRPC {
		api, err := transport.NewGRPCClient(transport.GRPCConfig{Address: cfg.GRPCAddr, DeploymentKey: cfg.DeploymentKey})
		if err != nil {
			return nil, nil, err
		}
		return api, api.Close, nil
	}
	api := transport.NewClient(transport.Config{ServerURL: cfg.ServerURL, DeploymentKey: cfg.DeploymentKey})
	return api, func() error { return nil }, nil
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	var (
		watch bool
		keys  []string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch remotely evaluated variants for a user",
		Long: `Fetch asks a running server to evaluate a user and prints the variants as
JSON. With --watch it holds a stream open and prints one JSON document per
change until interrupted.

Example:
  expz fetch --server http://localhost:8080 --deployment-key $KEY --user-id u1
  expz fetch --watch --transport grpc --grpc-addr localhost:9090 --device-id d1`,
		Args: cobra.NoArgs,
	}
	conn := addClientFlags(cmd)
	users := addUserFlags(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "stream changes until interrupted")
	cmd.Flags().StringArrayVar(&keys, "flag", nil, "flag key to fetch (repeatable)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := conn.load(cmd, root)
		if err != nil {
			return err
		}
		user, err := users.build()
		if err != nil {
			return err
		}
		requested, err := service.NormalizeFlagKeys(keys)
		if err != nil {
			return err
		}

		api, closeAPI, err := newAPI(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeAPI(); err != nil {
				log.Warn("close transport", "error", err)
			}
		}()

		opts := transport.FetchOptions{FlagKeys: requested, Timeout: cfg.FetchTimeout}
		if !watch {
			variants, err := api.FetchVariants(cmd.Context(), user, opts)
			if err != nil {
				return fmt.Errorf("fetch variants: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), nonNilVariants(variants))
		}
		return watchVariants(cmd.Context(), api, user, opts, cmd.OutOrStdout(), log)
	}
	return cmd
}

// watchVariants prints every update until ctx ends or the stream fails.
func watchVariants(ctx context.Context, api client.API, user core.User, opts transport.FetchOptions, out io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		failure error
	)
	stream, err := api.StreamVariants(ctx, user, opts, transport.StreamHandler[map[string]core.Variant]{
		OnUpdate: func(variants map[string]core.Variant) {
			mu.Lock()
			defer mu.Unlock()
			if err := writeJSON(out, nonNilVariants(variants)); err != nil {
				failure = err
				cancel()
			}
		},
		OnKeepalive: func() { log.Debug("stream keepalive") },
		OnError: func(err error) {
			if ctx.Err() != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			failure = err
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return fmt.Errorf("stream: %w", failure)
	}
	return nil
}

func nonNilVariants(variants map[string]core.Variant) map[string]core.Variant {
	if variants == nil {
		return map[string]core.Variant{}
	}
	return variants
}
