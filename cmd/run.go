package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/report"
)

var (
	runFormat string
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest all configured sources into the canonical store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		batches, err := loadBatches(ctx)
		if err != nil {
			return err
		}

		eng, err := buildEngine(st)
		if err != nil {
			return err
		}

		result, err := eng.Run(ctx, batches)
		if err != nil {
			return eris.Wrap(err, "engine run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", result.RunID),
			zap.Int("accepted", result.Report.Accepted),
			zap.Int("rejected", result.Report.Rejected),
			zap.Int("parties", result.Report.Parties),
		)

		return writeReport(result.Report)
	},
}

func writeReport(rep *report.Report) error {
	var out []byte
	var err error
	switch runFormat {
	case "markdown", "md":
		out = []byte(rep.Markdown())
	case "yaml":
		out, err = rep.YAML()
	case "json":
		out, err = json.MarshalIndent(rep, "", "  ")
	default:
		return eris.Errorf("unknown report format %q", runFormat)
	}
	if err != nil {
		return eris.Wrap(err, "render report")
	}

	if runOutput != "" {
		return eris.Wrapf(os.WriteFile(runOutput, out, 0644), "write report to %s", runOutput)
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runFormat, "format", "markdown", "report format: markdown, yaml or json")
	runCmd.Flags().StringVar(&runOutput, "output", "", "write the report to a file instead of stdout")
	rootCmd.AddCommand(runCmd)
}
