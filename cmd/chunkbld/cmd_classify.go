package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <module-id>...",
	Short: "Print the manual chunk each module id is assigned to",
	Long: `Prints "<id>\t<chunk>" per argument, or "<id>\t-" when the module has no
manual chunk and stays in its entry chunk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cfg.Classifier()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, id := range args {
		label, ok := c.Classify(id)
		if !ok {
			label = "-"
		}
		fmt.Fprintf(out, "%s\t%s\n", id, label)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
