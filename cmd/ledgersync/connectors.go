package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
)

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List configured vendor connections.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectors(cmd)
	},
}

func runConnectors(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg, err := buildRegistry()
	if err != nil {
		return err
	}

	conns, err := credstore.NewPGStore(pool).List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVENDOR\tACCOUNT\tUPDATED")
	for _, conn := range conns {
		account := ""
		vendorName := conn.Vendor
		if def, ok := reg.Get(conn.Vendor); ok {
			vendorName = def.DisplayName()
			if decoded, err := def.DecodeConfig(conn.Config); err == nil {
				account = def.AccountName(decoded)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", conn.ID, vendorName, account, conn.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
