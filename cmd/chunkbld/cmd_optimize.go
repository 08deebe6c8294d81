package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coldog/chunkbld/pkg/optimize"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Pre-bundle optimizeDeps.include into the dependency cache",
	Args:  cobra.NoArgs,
	RunE:  runOptimize,
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	o := optimize.New(cfg, log())
	m, err := o.Optimize(cmd.Context())
	if err != nil {
		return err
	}

	deps := make([]string, 0, len(m.Optimized))
	for dep := range m.Optimized {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	out := cmd.OutOrStdout()
	for _, dep := range deps {
		info := m.Optimized[dep]
		fmt.Fprintf(out, "%s\t%s\t%s\n", dep, info.File, humanize.Bytes(uint64(info.Bytes)))
	}
	return nil
}
