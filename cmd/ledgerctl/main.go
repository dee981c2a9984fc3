package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/config"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/engine"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/logger"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store/memory"
	pgstore "github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store/postgres"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	dbFlag := &cli.StringFlag{
		Name:    "database-url",
		Usage:   "postgres connection string",
		EnvVars: []string{config.EnvPrefix + "_DATABASE_URL", "DATABASE_URL"},
	}
	memoryFlag := &cli.BoolFlag{
		Name:  "memory",
		Usage: "run against the seeded in-memory store instead of postgres",
	}

	return &cli.App{
		Name:      "ledgerctl",
		Usage:     "operate the Frankstein stock and cash ledger",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply or inspect schema migrations",
				Flags: []cli.Flag{dbFlag},
				Subcommands: []*cli.Command{
					migrateCommand("up", "apply every pending migration"),
					migrateCommand("down", "roll back the latest migration"),
					migrateCommand("status", "print applied and pending migrations"),
				},
			},
			{
				Name:  "audit",
				Usage: "replay movement logs and report products whose cached stock disagrees",
				Flags: []cli.Flag{
					dbFlag,
					memoryFlag,
					&cli.StringFlag{Name: "product", Usage: "audit a single product id"},
				},
				Action: func(c *cli.Context) error {
					return withEngine(c, func(eng *engine.Engine) error {
						return runAudit(c.Context, c.App.Writer, eng, c.String("product"))
					})
				},
			},
			{
				Name:  "low-stock",
				Usage: "list active products at or below their minimum",
				Flags: []cli.Flag{dbFlag, memoryFlag},
				Action: func(c *cli.Context) error {
					return withEngine(c, func(eng *engine.Engine) error {
						return runLowStock(c.Context, c.App.Writer, eng)
					})
				},
			},
		},
	}
}

func migrateCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) error {
			url := c.String("database-url")
			if url == "" {
				return cli.Exit("database-url is required", 2)
			}
			db, err := sql.Open("pgx", url)
			if err != nil {
				return err
			}
			defer db.Close()
			return pgstore.Migrate(c.Context, db, name)
		},
	}
}

func withEngine(c *cli.Context, fn func(*engine.Engine) error) (err error) {
	var repo store.Repository
	switch {
	case c.Bool("memory"):
		repo = memory.NewSeeded()
	case c.String("database-url") != "":
		pg, openErr := pgstore.New(c.Context, c.String("database-url"))
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, pg.Close()) }()
		repo = pg
	default:
		return cli.Exit("either --database-url or --memory is required", 2)
	}

	log := logger.New(logger.Options{ServiceName: "ledgerctl", Level: logger.ParseLevel("warn"), Output: c.App.ErrWriter})
	return fn(engine.New(repo, engine.DefaultConfig(), engine.WithLogger(log)))
}

func runAudit(ctx context.Context, out io.Writer, eng *engine.Engine, productID string) error {
	var audits []domain.StockAudit
	if productID != "" {
		audit, err := eng.Reports.StockAudit(ctx, productID)
		if err != nil {
			return err
		}
		audits = append(audits, *audit)
	} else {
		all, err := eng.Reports.AuditAll(ctx)
		if err != nil {
			return err
		}
		audits = all
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tCACHED\tREPLAYED\tMOVEMENTS\tSTATUS")
	mismatches := 0
	for _, a := range audits {
		status := "ok"
		if !a.Consistent {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", a.ProductID, a.CachedQuantity, a.ReplayedQuantity, a.MovementCount, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if mismatches > 0 {
		return cli.Exit(fmt.Sprintf("%d product(s) disagree with their movement log", mismatches), 3)
	}
	return nil
}

func runLowStock(ctx context.Context, out io.Writer, eng *engine.Engine) error {
	products, err := eng.Reports.LowStockProducts(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tNAME\tSTOCK\tMIN")
	for _, p := range products {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.ID, p.Name, p.StockQuantity, p.MinStockQuantity)
	}
	return w.Flush()
}
