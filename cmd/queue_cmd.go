package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/agent"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline event queue",
	}
	cmd.AddCommand(queueStatsCmd())
	cmd.AddCommand(queuePeekCmd())
	cmd.AddCommand(queuePurgeCmd())
	return cmd
}

func openQueueFromConfig() (*queue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return queue.Open(agent.QueueConfig(cfg.Queue))
}

func queueStatsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queued event count and age range",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueueFromConfig()
			if err != nil {
				return err
			}
			defer q.Close()

			st, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("Path:    %s\n", st.Path)
			fmt.Printf("Events:  %d\n", st.Count)
			if st.Count > 0 {
				fmt.Printf("Oldest:  %s (%s ago)\n", st.Oldest.Format(time.RFC3339), time.Since(st.Oldest).Round(time.Second))
				fmt.Printf("Newest:  %s\n", st.Newest.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

type queueEntry struct {
	RowID      int64     `json:"rowId"`
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
}

func queuePeekCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List the oldest queued events without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueueFromConfig()
			if err != nil {
				return err
			}
			defer q.Close()

			recs, err := q.PeekBatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			entries := make([]queueEntry, len(recs))
			for i, r := range recs {
				entries[i] = queueEntry{
					RowID:      r.RowID,
					EventID:    r.Event.ID(),
					Type:       r.TypeTag,
					CreatedAt:  r.CreatedAt,
					RetryCount: r.RetryCount,
				}
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ROW\tEVENT\tTYPE\tCREATED\tRETRIES\n")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", e.RowID, e.EventID, e.Type, e.CreatedAt.Format(time.RFC3339), e.RetryCount)
			}
			tw.Flush()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func queuePurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every queued event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes undelivered events; pass --yes to confirm")
			}
			q, err := openQueueFromConfig()
			if err != nil {
				return err
			}
			defer q.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := q.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d events.\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
