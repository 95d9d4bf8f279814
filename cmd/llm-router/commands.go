package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/regression"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run()
		},
	}
}

func newRegressCmd(configPath *string) *cobra.Command {
	var catalogPath, casesPath string

	cmd := &cobra.Command{
		Use:   "regress",
		Short: "Run the golden regression set against a provider catalog",
		Long:  "Runs the golden set, prints the report as JSON and exits with status 1 when a regression against the stored baseline is detected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if catalogPath != "" {
				if err := app.loadCatalog(catalogPath); err != nil {
					return err
				}
			}
			if len(app.catalog) == 0 {
				return fmt.Errorf("no provider catalog: pass --catalog or set catalog in the config")
			}

			if casesPath != "" {
				cases, err := regression.LoadCases(casesPath)
				if err != nil {
					return err
				}
				for _, tc := range cases {
					if err := app.router.AddTestCase(tc); err != nil {
						return err
					}
				}
			}

			report, err := app.router.RunRegressionTests(cmd.Context(), app.catalog)
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.RegressionDetected {
				return errRegressionDetected
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "provider catalog YAML")
	cmd.Flags().StringVar(&casesPath, "cases", "", "extra golden cases YAML")
	return cmd
}

func newParamsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Export or import membership parameter snapshots",
	}

	var out string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the active parameter snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			return writeJSON(w, app.router.ExportParameters())
		},
	}
	exportCmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")

	var in string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a parameter snapshot and store it as the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if !app.router.Persistent() {
				return fmt.Errorf("store.path must be set to import parameters")
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", in, err)
			}
			var snapshot fuzzy.Snapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("failed to parse snapshot: %w", err)
			}
			if err := app.router.ImportParameters(snapshot); err != nil {
				return err
			}

			id, err := app.router.SaveParameters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported snapshot %s\n", id)
			return nil
		},
	}
	importCmd.Flags().StringVar(&in, "in", "", "snapshot JSON file")
	importCmd.MarkFlagRequired("in")

	cmd.AddCommand(exportCmd, importCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "llm-router version %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
