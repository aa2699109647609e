package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/policy"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print conversation statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		pol, err := policy.FromConfig(cfg.Automation, cfg.Business)
		if err != nil {
			return err
		}

		now := time.Now()
		out := struct {
			models.Status
			ResponseDelay int `json:"response_delay"`
		}{
			Status: models.Status{
				Timestamp:       now,
				IsBusinessHours: pol.WithinBusinessHours(now),
				Statistics:      *stats,
			},
			ResponseDelay: int(cfg.Automation.ResponseDelay.Seconds()),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
