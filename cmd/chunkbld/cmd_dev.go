package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldog/chunkbld/pkg/compiler"
	"github.com/coldog/chunkbld/pkg/config"
	"github.com/coldog/chunkbld/pkg/devserver"
	"github.com/coldog/chunkbld/pkg/optimize"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Serve a development build and rebuild on change",
	Long: `Pre-bundles optimizeDeps.include, builds the app without minification
against the pre-bundled dependencies, serves build.outDir on server.port and proxies server.proxy prefixes to their
targets. Source changes trigger a rebuild and a browser reload.`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	prebundled, err := prebundle(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := build(ctx, cfg, compiler.ModeDevelopment, classifier, prebundled); err != nil {
		// Keep serving; the next change may fix it.
		log().Error("initial build failed", zap.Error(err))
	}

	rebuild := func(ctx context.Context) error {
		_, err := build(ctx, cfg, compiler.ModeDevelopment, classifier, prebundled)
		return err
	}
	srv, err := devserver.FromConfig(cfg, rebuild, log())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// prebundle refreshes the dependency cache and returns the module id of each
// pre-bundled dependency.
func prebundle(ctx context.Context, cfg *config.Config) (map[string]string, error) {
	o := optimize.New(cfg, log())
	m, err := o.Optimize(ctx)
	if err != nil {
		return nil, err
	}
	return o.Resolutions(m)
}
