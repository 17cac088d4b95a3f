package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realmforge/api/internal/app"
	"realmforge/api/internal/seo"
	"realmforge/api/internal/store"
)

func newSitemapCmd(flags *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sitemap",
		Short: "Write the public sitemap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSitemap(cmd.Context(), flags, out, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (defaults to stdout)")
	return cmd
}

func runSitemap(ctx context.Context, flags *globalFlags, out string, stdout io.Writer) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := seo.LoadCatalog()
	if err != nil {
		return fmt.Errorf("load seo catalog: %w", err)
	}
	service := app.New(cfg, app.Deps{
		Store:   store.NewPostgresStore(db),
		Catalog: catalog,
		Logger:  logger,
	})

	w := stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	if err := service.WriteSitemap(ctx, w); err != nil {
		return err
	}
	if out != "" {
		logger.Info("sitemap written", zap.String("path", out))
	}
	return nil
}
