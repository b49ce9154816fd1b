package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List the CRM's pipelines and stage IDs",
	Long: `List the CRM's pipelines with their stage IDs, as JSON on stdout.
Use this to fill in the pipelines section of the configuration: every stage
role must be mapped to one of these IDs.`,
	RunE: runPipelines,
}

func init() {
	pipelinesCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := pipelinesCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runPipelines(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tgt, err := buildTargetClient(cfg)
	if err != nil {
		return err
	}

	pipelines, err := tgt.GetPipelines(cmd.Context())
	if err != nil {
		return err
	}

	output, err := json.MarshalIndent(pipelines, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}
