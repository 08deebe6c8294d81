package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coldog/chunkbld/pkg/compiler"
	"github.com/coldog/chunkbld/pkg/config"
	"github.com/coldog/chunkbld/pkg/linker"
	"github.com/coldog/chunkbld/pkg/partition"
)

// classifierCacheSize bounds the memoised classification results.
const classifierCacheSize = 4096

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile and link a production build",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	t0 := time.Now()
	b, err := build(cmd.Context(), cfg, compiler.ModeProduction, classifier, nil)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), cfg, b.Manifest, time.Since(t0))
}

// newClassifier builds the configured classifier, memoised so rebuilds in
// dev mode do not classify the same module ids again. Under the package
// policy with warnUnassigned set, declared dependencies without a label are
// reported up front.
func newClassifier(cfg *config.Config) (partition.Classifier, error) {
	if cfg.Build.ChunkPolicy != config.PolicyPackage {
		c, err := cfg.Classifier()
		if err != nil {
			return nil, err
		}
		return partition.Cached(c, classifierCacheSize)
	}

	p, m, err := cfg.PackagePolicy()
	if err != nil {
		return nil, err
	}
	if cfg.Build.WarnUnassigned {
		for _, pkg := range p.Unmapped(m) {
			log().Warn("dependency has no manual chunk, keeping it in the entry chunk",
				zap.String("package", pkg))
		}
	}
	return partition.Cached(p, classifierCacheSize)
}

// build compiles every module reachable from the entrypoints and links the
// bundle with the given manual chunk classifier. Bare imports named in
// prebundled resolve to the pre-bundled dependency instead of the package.
// Development builds skip minification.
func build(ctx context.Context, cfg *config.Config, mode string, classifier partition.Classifier, prebundled map[string]string) (*linker.Bundle, error) {
	c := compiler.New(cfg, log())
	c.Mode = mode
	c.Resolver.Prebundled = prebundled
	if err := c.Compile(ctx); err != nil {
		return nil, err
	}

	b := linker.New(cfg, log())
	if mode == compiler.ModeDevelopment {
		b.Minify.Enabled = false
	}
	if err := b.Link(ctx, linker.ManualChunks(classifier, cfg.Build.WarnUnassigned)); err != nil {
		return nil, err
	}
	log().Info("build complete",
		zap.String("mode", mode),
		zap.String("buildId", b.Manifest.BuildID),
		zap.Int("chunks", len(b.Manifest.Chunks)))
	return b, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	entryStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	sharedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// report prints one line per chunk with its size, flagging chunks over the
// warning limit.
func report(w io.Writer, cfg *config.Config, m *linker.Manifest, took time.Duration) error {
	width := 0
	for _, c := range m.Chunks {
		width = max(width, len(c.File))
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%s/", cfg.Build.OutDir)))
	sb.WriteString("\n")
	limit := uint64(cfg.Build.ChunkSizeWarningLimit) * 1000
	for _, c := range m.Chunks {
		style := sharedStyle
		if c.Entry {
			style = entryStyle
		}
		size := humanize.Bytes(uint64(c.Size))
		if limit > 0 && uint64(c.Size) > limit {
			size = warnStyle.Render(size + " (over " + humanize.Bytes(limit) + ")")
		}
		fmt.Fprintf(&sb, "  %s  %s  %s\n",
			style.Render(c.File+strings.Repeat(" ", width-len(c.File))),
			size,
			dimStyle.Render(fmt.Sprintf("%d modules", len(c.Modules))))
	}
	for _, a := range m.Assets {
		fmt.Fprintf(&sb, "  %s\n", dimStyle.Render(a))
	}
	fmt.Fprintf(&sb, "built in %s\n", took.Round(time.Millisecond))

	_, err := io.WriteString(w, sb.String())
	return err
}
