package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/perivale/ledgersync/internal/gate"
)

// usageOutput is the JSON schema for `usage --json`.
type usageOutput struct {
	Quota gate.QuotaSnapshot `json:"quota"`
	Stats usageStats         `json:"stats"`
}

type usageStats struct {
	Today        int               `json:"today"`
	Last5Minutes int               `json:"last_5_minutes"`
	LastHour     int               `json:"last_hour"`
	TopCallers   []usageTopCaller  `json:"top_callers"`
	Recent       []usageCallRecord `json:"recent"`
}

type usageTopCaller struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

type usageCallRecord struct {
	At    string `json:"at"`
	Label string `json:"label"`
}

func newUsageCmd() *cobra.Command {
	var (
		topN int
		tail int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show call usage statistics and daily quota state",
		Long: "Shows the gate's view of API consumption: daily quota position,\n" +
			"rolling call counts, and the heaviest callers. Gate state is\n" +
			"process-local, so this reflects the current process only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return printUsage(a.gate, topN, tail)
		},
	}

	cmd.Flags().IntVar(&topN, "top", 5, "number of top callers to show")
	cmd.Flags().IntVar(&tail, "tail", 10, "number of recent calls to show")

	return cmd
}

// printUsage renders the gate's quota and monitor state, as text or JSON
// depending on the output flags.
func printUsage(g *gate.Gate, topN, tail int) error {
	quota := g.Quota.Snapshot()
	stats := g.Monitor.Stats(topN, tail)

	if flagJSON {
		out := usageOutput{
			Quota: quota,
			Stats: usageStats{
				Today:        stats.Today,
				Last5Minutes: stats.Last5Minutes,
				LastHour:     stats.LastHour,
			},
		}

		for _, tc := range stats.TopCallers {
			out.Stats.TopCallers = append(out.Stats.TopCallers, usageTopCaller(tc))
		}

		for _, r := range stats.Recent {
			out.Stats.Recent = append(out.Stats.Recent, usageCallRecord{
				At:    r.At.Format("15:04:05"),
				Label: r.Label,
			})
		}

		return printJSON(out)
	}

	fmt.Printf("Quota:   %d / %d used (%s)", quota.Used, quota.Limit, quota.DayKey)

	if quota.Paused {
		fmt.Printf("  PAUSED (reserve %d held for priority calls)", quota.Reserve)
	}

	fmt.Println()

	fmt.Printf("Calls:   %d today, %d last hour, %d last 5 minutes\n",
		stats.Today, stats.LastHour, stats.Last5Minutes)

	if len(stats.TopCallers) > 0 {
		fmt.Println("\nTop callers:")

		rows := make([][]string, 0, len(stats.TopCallers))
		for _, tc := range stats.TopCallers {
			rows = append(rows, []string{
				tc.Label,
				strconv.Itoa(tc.Count),
				fmt.Sprintf("%.1f%%", tc.Percent),
			})
		}

		printTable(os.Stdout, []string{"CALLER", "COUNT", "SHARE"}, rows)
	}

	if len(stats.Recent) > 0 {
		fmt.Println("\nRecent calls:")

		for _, r := range stats.Recent {
			fmt.Printf("  %s  %s\n", r.At.Format("15:04:05"), r.Label)
		}
	}

	return nil
}
