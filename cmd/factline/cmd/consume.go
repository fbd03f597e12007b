package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/journal"
	"github.com/factline/factline/internal/pipeline"
)

func newConsumeCmd() *cobra.Command {
	var (
		topic   string
		group   string
		maxWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "consume <kind>",
		Short: "Continuously index subjects from a journal topic",
		Long: `Consume follows a journal topic and runs each batch of subjects
through the computer for the given kind. The consumption offset for
the group advances only after a batch persisted, so restarts replay
unfinished work. Stops cleanly on SIGINT or SIGTERM, only between
batches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			if !journal.ValidTopic(topic) {
				return ferrors.Argumentf("invalid topic name %q", topic)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Dir == "" {
				return ferrors.New(ferrors.ErrCodeConfigInvalid,
					"consume needs journal.dir configured", nil)
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			objects := openObjects(cfg)
			comp, err := computerFor(kind, objects)
			if err != nil {
				return err
			}

			// Strict mode: a failed batch must hold the offset.
			pipe := pipeline.New(store, comp, objects, pipeline.Options{
				Workers:        cfg.Pipeline.Workers,
				ConflictUpdate: cfg.Pipeline.ConflictUpdate,
				LookupRetries:  cfg.Pipeline.LookupRetries,
				LookupDelay:    cfg.Pipeline.LookupDelay,
			}, slog.Default())

			consumer, err := pipeline.NewConsumer(pipe, journal.FollowerConfig{
				Dir:       cfg.Journal.Dir,
				Topic:     topic,
				Group:     group,
				BatchSize: cfg.Pipeline.BatchSize,
				MaxWait:   maxWait,
			}, slog.Default())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("consumer_starting",
				slog.String("topic", topic),
				slog.String("group", group),
				slog.String("kind", string(kind)))
			return consumer.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "artifacts", "Journal topic carrying new subjects")
	cmd.Flags().StringVar(&group, "group", "default", "Consumer group name")
	cmd.Flags().DurationVar(&maxWait, "max-wait", time.Second, "Max wait before polling the segment")
	return cmd
}
