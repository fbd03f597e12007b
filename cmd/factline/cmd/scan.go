package cmd

import (
	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/storage"
)

func newScanCmd() *cobra.Command {
	var (
		toolID       int64
		partitionID  int
		nbPartitions int
		limit        int
		pageToken    string
		allPages     bool
	)

	cmd := &cobra.Command{
		Use:   "scan <kind>",
		Short: "List indexed subjects of one hash-range partition",
		Long: `Scan pages through the subjects one tool has indexed within one
deterministic partition of the hash space. The same partition count
always yields the same split, so independent workers can divide a full
re-listing without coordination.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
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

			p := printer()
			token := pageToken
			for {
				page, err := store.GetPartition(cmd.Context(), kind, storage.PartitionRequest{
					ToolID:       toolID,
					PartitionID:  partitionID,
					NbPartitions: nbPartitions,
					PageToken:    token,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				for _, s := range page.Subjects {
					p.Line("%s", s)
				}
				if !allPages || page.NextPageToken == "" {
					if page.NextPageToken != "" {
						p.Line("# next_page_token=%s", page.NextPageToken)
					}
					return nil
				}
				token = page.NextPageToken
			}
		},
	}

	cmd.Flags().Int64Var(&toolID, "tool", 0, "Tool id to scan")
	cmd.Flags().IntVar(&partitionID, "partition", 0, "Partition index, 0-based")
	cmd.Flags().IntVar(&nbPartitions, "partitions", 1, "Total partition count")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Subjects per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Resume from a previous page token")
	cmd.Flags().BoolVar(&allPages, "all", false, "Follow pagination to the end of the partition")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
