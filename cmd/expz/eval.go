package main

import (
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/service"
)

// userFlags builds a core.User from a JSON file and per-field flags. Flags win
// over the file.
type userFlags struct {
	file       string
	userID     string
	deviceID   string
	properties map[string]string
}

func addUserFlags(cmd *cobra.Command) *userFlags {
	u := &userFlags{}
	cmd.Flags().StringVar(&u.file, "user", "", `user JSON file, or "-" for stdin`)
	cmd.Flags().StringVar(&u.userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&u.deviceID, "device-id", "", "device id")
	cmd.Flags().StringToStringVar(&u.properties, "property", nil, "user property key=value (repeatable)")
	return u
}

func (u *userFlags) build() (core.User, error) {
	var user core.User
	if u.file != "" {
		data, err := readInput(u.file)
		if err != nil {
			return core.User{}, err
		}
		user, err = service.DecodeUser(data)
		if err != nil {
			return core.User{}, fmt.Errorf("decode %s: %w", u.file, err)
		}
	}
	if id := strings.TrimSpace(u.userID); id != "" {
		user.UserID = id
	}
	if id := strings.TrimSpace(u.deviceID); id != "" {
		user.DeviceID = id
	}
	if len(u.properties) > 0 {
		props := maps.Clone(user.UserProperties)
		if props == nil {
			props = make(map[string]any, len(u.properties))
		}
		for k, v := range u.properties {
			props[k] = v
		}
		user.UserProperties = props
	}
	return user, nil
}

func newEvalCommand(root *rootOptions) *cobra.Command {
	var (
		file string
		keys []string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate flag configs for a user offline",
		Long: `Eval runs the local evaluation engine over a flag config file and prints
the assigned variants as JSON. Nothing is fetched or tracked.

Example:
  expz eval -f flags.yaml --user-id u1 --property plan=pro
  expz eval -f flags.json --user user.json --flag checkout-redesign`,
		Args: cobra.NoArgs,
	}
	users := addUserFlags(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "flag config file (required)")
	cmd.Flags().StringArrayVar(&keys, "flag", nil, "flag key to evaluate, with its dependencies (repeatable)")
	_ = cmd.MarkFlagRequired("file")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		log, err := root.logger(cmd, "warn", "console")
		if err != nil {
			return err
		}
		flags, err := loadFlagConfigs(file)
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

		variants, err := core.NewEngine(core.WithLogger(log)).EvaluateKeys(user.EvaluationContext(), flags, requested...)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		if variants == nil {
			variants = map[string]core.Variant{}
		}
		return writeJSON(cmd.OutOrStdout(), variants)
	}
	return cmd
}
