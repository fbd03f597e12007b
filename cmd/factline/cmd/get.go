package cmd

import (
	"github.com/spf13/cobra"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <kind> <subject...>",
		Short: "Fetch stored rows for subjects",
		Long: `Get prints every stored row of the given kind for the listed
subjects, across all tools, with tools fully resolved.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			subjects := make([]model.Subject, 0, len(args)-1)
			for _, a := range args[1:] {
				subjects = append(subjects, model.Subject(a))
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

			rows, err := store.Get(cmd.Context(), kind, subjects)
			if err != nil {
				return err
			}
			return printer().Object(rows)
		},
	}
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var toolID int64

	cmd := &cobra.Command{
		Use:   "delete <kind> <subject...>",
		Short: "Delete stored rows for subject/tool pairs",
		Long: `Delete removes the rows of the given kind for each listed subject
under one tool, every merged item included. Prints the number of
subject/tool pairs removed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			if toolID <= 0 {
				return ferrors.Argument("a positive --tool id is required")
			}
			keys := make([]model.SubjectTool, 0, len(args)-1)
			for _, a := range args[1:] {
				keys = append(keys, model.SubjectTool{Subject: model.Subject(a), ToolID: toolID})
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

			n, err := store.Delete(cmd.Context(), kind, keys)
			if err != nil {
				return err
			}
			printer().Line("deleted %d", n)
			return nil
		},
	}

	cmd.Flags().Int64Var(&toolID, "tool", 0, "Tool id whose rows to delete")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
