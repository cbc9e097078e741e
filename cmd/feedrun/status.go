package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/feedrun/feedrun/internal/backfill"
	"github.com/feedrun/feedrun/internal/config"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last backfill run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			res, err := backfill.ReadStatus(cfg.Storage.DataRoot)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no backfill has run yet")
					return nil
				}
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Printf("provider:  %s\n", res.Provider)
			fmt.Printf("success:   %v\n", res.Success)
			fmt.Printf("window:    %s .. %s\n",
				res.From.Format("2006-01-02"), res.To.Format("2006-01-02"))
			fmt.Printf("started:   %s\n", res.StartedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("finished:  %s\n", res.FinishedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("symbols:   %d ok, %d failed\n", res.Succeeded, res.Failed)
			fmt.Printf("bars:      %d\n", res.TotalBars)
			if res.Canceled {
				fmt.Println("canceled:  yes (partial result)")
			}
			for _, sr := range res.Symbols {
				if !sr.Success {
					fmt.Printf("  failed %s: %s\n", sr.Symbol, sr.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the raw status record as JSON")
	return cmd
}
