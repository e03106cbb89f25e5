package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/perivale/ledgersync/internal/engine"
)

// entityArgs maps CLI entity names to engine entity types.
var entityArgs = map[string]engine.EntityType{
	"customers": engine.EntityCustomers,
	"invoices":  engine.EntityInvoices,
	"payments":  engine.EntityPayments,
	"items":     engine.EntityItems,
	"locations": engine.EntityLocations,
	"stock":     engine.EntityStock,
}

func newSyncCmd() *cobra.Command {
	var (
		full  bool
		stock bool
	)

	cmd := &cobra.Command{
		Use:   "sync [entity]",
		Short: "Synchronize remote entities into the local database",
		Long: "Pulls one entity type, the stock snapshot (--stock), or everything\n" +
			"(--full) from the Books API into the local database.\n\n" +
			"Entities: customers, invoices, payments, items, locations, stock",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if full && stock {
				return fmt.Errorf("--full and --stock are mutually exclusive")
			}

			if (full || stock) && len(args) > 0 {
				return fmt.Errorf("an entity argument cannot be combined with --full or --stock")
			}

			if !full && !stock && len(args) == 0 {
				return fmt.Errorf("specify an entity, --full, or --stock")
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			switch {
			case full:
				return runFullSync(cmd, a)
			case stock:
				return runStockSync(cmd, a)
			default:
				return runEntitySync(cmd, a, args[0])
			}
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "sync all entity types in dependency order")
	cmd.Flags().BoolVar(&stock, "stock", false, "refresh locations and stock levels")

	cmd.AddCommand(newSyncHistoryCmd())

	return cmd
}

func runEntitySync(cmd *cobra.Command, a *app, name string) error {
	entity, ok := entityArgs[name]
	if !ok {
		return fmt.Errorf("unknown entity %q", name)
	}

	run, err := a.orch.SyncEntity(cmd.Context(), entity, "manual")
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(run)
	}

	printRunSummary(run)

	if run.Status == engine.RunFailed {
		return fmt.Errorf("%s sync failed: %s", entity, run.ErrorMessage)
	}

	return nil
}

func runFullSync(cmd *cobra.Command, a *app) error {
	results, runErr := a.orch.FullSync(cmd.Context(), "manual")

	if err := printSyncResults(results); err != nil {
		return err
	}

	return runErr
}

func runStockSync(cmd *cobra.Command, a *app) error {
	results, runErr := a.orch.StockSync(cmd.Context(), "manual")

	if err := printSyncResults(results); err != nil {
		return err
	}

	return runErr
}

func printSyncResults(results []engine.EntityResult) error {
	if flagJSON {
		return printJSON(results)
	}

	for _, r := range results {
		if r.Run != nil {
			printRunSummary(r.Run)
			continue
		}

		if r.Err != nil {
			statusf("%-10s error: %v\n", r.Entity, r.Err)
		}
	}

	return nil
}

func printRunSummary(run *engine.SyncRun) {
	statusf("%-10s %-9s synced=%d failed=%d\n",
		run.EntityType, run.Status, run.RecordsSynced, run.RecordsFailed)
}

func newSyncHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListSyncRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(runs)
			}

			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.ID[:8],
					string(run.EntityType),
					run.Status,
					strconv.Itoa(run.RecordsSynced),
					strconv.Itoa(run.RecordsFailed),
					run.TriggeredBy,
					formatTime(run.StartedAt),
				})
			}

			printTable(os.Stdout, []string{"RUN", "ENTITY", "STATUS", "SYNCED", "FAILED", "TRIGGER", "STARTED"}, rows)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")

	return cmd
}
