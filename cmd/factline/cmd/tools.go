package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the tool registry",
	}
	cmd.AddCommand(newToolsRegisterCmd())
	cmd.AddCommand(newToolsGetCmd())
	cmd.AddCommand(newToolsShowCmd())
	return cmd
}

func toolSpecFromFlags(name, version, configJSON string) (model.ToolSpec, error) {
	spec := model.ToolSpec{Name: name, Version: version}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &spec.Configuration); err != nil {
			return spec, ferrors.Argumentf("parse tool configuration: %v", err)
		}
	}
	if err := spec.Validate(); err != nil {
		return spec, ferrors.Argument(err.Error())
	}
	return spec, nil
}

func newToolsRegisterCmd() *cobra.Command {
	var configJSON string

	cmd := &cobra.Command{
		Use:   "register <name> <version>",
		Short: "Register a tool, idempotently",
		Long: `Register assigns a stable id to the (name, version, configuration)
triple, or returns the existing id when the identical triple was seen
before. Configuration equality ignores JSON key order.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := toolSpecFromFlags(args[0], args[1], configJSON)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tool, err := store.RegisterTool(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printer().Object(tool)
		},
	}

	cmd.Flags().StringVar(&configJSON, "config", "", "Tool configuration as a JSON object")
	return cmd
}

func newToolsGetCmd() *cobra.Command {
	var configJSON string

	cmd := &cobra.Command{
		Use:   "get <name> <version>",
		Short: "Look up a tool without registering it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := toolSpecFromFlags(args[0], args[1], configJSON)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tool, found, err := store.GetTool(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if !found {
				return ferrors.New(ferrors.ErrCodeToolNotFound, "tool not registered", nil)
			}
			return printer().Object(tool)
		},
	}

	cmd.Flags().StringVar(&configJSON, "config", "", "Tool configuration as a JSON object")
	return cmd
}

func newToolsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Look up a tool by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return ferrors.Argumentf("invalid tool id %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tool, err := store.GetToolByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printer().Object(tool)
		},
	}
}
