package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var (
	extended    bool
	versionJSON bool
)

type versionReport struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
	Gofulmen  string `json:"gofulmen"`
	Crucible  string `json:"crucible"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for Crucible and Go versions, --json for machine output.",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		ssot := crucible.GetVersion()
		report := versionReport{
			Name:      identity.BinaryName,
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
			Go:        runtime.Version(),
			Gofulmen:  ssot.Gofulmen,
			Crucible:  ssot.Crucible,
		}

		out := cmd.OutOrStdout()
		if versionJSON {
			payload, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(payload))
			return err
		}

		_, _ = fmt.Fprintf(out, "%s %s\n", report.Name, report.Version)
		if extended {
			_, _ = fmt.Fprintf(out, "Commit: %s\n", report.Commit)
			_, _ = fmt.Fprintf(out, "Built: %s\n", report.BuildDate)
			_, _ = fmt.Fprintf(out, "Go: %s\n\n", report.Go)
			_, _ = fmt.Fprintf(out, "Gofulmen: %s\n", report.Gofulmen)
			_, _ = fmt.Fprintf(out, "Crucible: %s\n", report.Crucible)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
}
