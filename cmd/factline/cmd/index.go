package cmd

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/pipeline"
)

func newIndexCmd() *cobra.Command {
	var (
		fromFile       string
		rescan         bool
		conflictUpdate bool
		strict         bool
	)

	cmd := &cobra.Command{
		Use:   "index <kind> [subject...]",
		Short: "Run one batch of subjects through a computer",
		Long: `Index derives facts of the given kind for the listed subjects and
persists them. Subjects already indexed by the same tool version are
filtered out first, so reruns are cheap. Reads subjects from --file or
stdin when none are listed; one subject per line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			subjects, err := collectSubjects(args[1:], fromFile)
			if err != nil {
				return err
			}
			if len(subjects) == 0 {
				return ferrors.Argument("no subjects given")
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

			objects := openObjects(cfg)
			comp, err := computerFor(kind, objects)
			if err != nil {
				return err
			}

			pipe := pipeline.New(store, comp, objects, pipeline.Options{
				Workers:        cfg.Pipeline.Workers,
				CatchErrors:    !strict && cfg.Pipeline.CatchErrors,
				ConflictUpdate: conflictUpdate || cfg.Pipeline.ConflictUpdate,
				Rescan:         rescan || cfg.Pipeline.Rescan,
				LookupRetries:  cfg.Pipeline.LookupRetries,
				LookupDelay:    cfg.Pipeline.LookupDelay,
			}, slog.Default())

			summary, err := pipe.Run(cmd.Context(), subjects)
			if err != nil {
				return err
			}
			return printer().Object(summary)
		},
	}

	cmd.Flags().StringVar(&fromFile, "file", "", "Read subjects from file, - for stdin")
	cmd.Flags().BoolVar(&rescan, "rescan", false, "Recompute subjects already indexed")
	cmd.Flags().BoolVar(&conflictUpdate, "update", false, "Overwrite existing rows")
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort the batch on the first failed subject")
	return cmd
}

func collectSubjects(args []string, fromFile string) ([]model.Subject, error) {
	subjects := make([]model.Subject, 0, len(args))
	for _, a := range args {
		subjects = append(subjects, model.Subject(a))
	}
	if fromFile == "" {
		return subjects, nil
	}

	in := os.Stdin
	if fromFile != "-" {
		f, err := os.Open(fromFile)
		if err != nil {
			return nil, ferrors.Argumentf("open subject file: %v", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subjects = append(subjects, model.Subject(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, ferrors.Argumentf("read subjects: %v", err)
	}
	return subjects, nil
}
