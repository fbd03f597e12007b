package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
	}
	cmd.AddCommand(newJournalTailCmd())
	cmd.AddCommand(newJournalOffsetCmd())
	return cmd
}

func newJournalTailCmd() *cobra.Command {
	var (
		offset int64
		max    int
	)

	cmd := &cobra.Command{
		Use:   "tail <topic>",
		Short: "Print events of a topic from a byte offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			if !journal.ValidTopic(topic) {
				return ferrors.Argumentf("invalid topic name %q", topic)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Dir == "" {
				return ferrors.New(ferrors.ErrCodeConfigInvalid,
					"journal.dir is not configured", nil)
			}

			events, next, err := journal.ReadFrom(cfg.Journal.Dir, topic, offset, max)
			if err != nil {
				return err
			}

			p := printer()
			for _, ev := range events {
				if err := p.Object(ev); err != nil {
					return err
				}
			}
			p.Line("# next_offset=%d", next)
			return nil
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "Byte offset to start from")
	cmd.Flags().IntVar(&max, "max", 100, "Maximum events to print")
	return cmd
}

func newJournalOffsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offset <topic> <group>",
		Short: "Show a consumer group's committed offset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, group := args[0], args[1]
			if !journal.ValidTopic(topic) {
				return ferrors.Argumentf("invalid topic name %q", topic)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Dir == "" {
				return ferrors.New(ferrors.ErrCodeConfigInvalid,
					"journal.dir is not configured", nil)
			}

			f, err := journal.NewFollower(journal.FollowerConfig{
				Dir:   cfg.Journal.Dir,
				Topic: topic,
				Group: group,
			}, nil)
			if err != nil {
				return err
			}
			off, err := f.Offset()
			if err != nil {
				return err
			}
			printer().Line("%s", strconv.FormatInt(off, 10))
			return nil
		},
	}
}
