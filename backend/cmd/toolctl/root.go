package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"toolswitch-bot/backend/internal/detect"
	"toolswitch-bot/backend/internal/sensitivity"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "toolctl",
		Short:         "Inspect and test tool detection rules",
		Long:          "toolctl validates sensitivity rule files, prints the effective rules and shows how a message would be classified.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newValidateCmd(),
		newShowCmd(),
		newClassifyCmd(),
	)
	return rootCmd
}

// loadRules reads path, or the built-in rules when path is "default"
func loadRules(path string) (*sensitivity.Config, error) {
	if path == "default" {
		return sensitivity.Default(), nil
	}
	return sensitivity.LoadFile(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rules file and list every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRules(args[0])
			if cfg == nil {
				return err
			}
			if err != nil {
				problems := unjoin(err)
				for _, p := range problems {
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", p)
				}
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d tool rule(s) OK\n", args[0], len(cfg.Tools))
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show <file|default>",
		Short: "Print the effective thresholds and timeouts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRules(args[0])
			if cfg == nil {
				return err
			}
			if asYAML {
				out, err := sensitivity.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "detection enabled:\t%t\n", cfg.Global.Enabled)
			fmt.Fprintf(w, "default timeout:\t%s\n\n", cfg.Global.DefaultTimeout)
			fmt.Fprintln(w, "TOOL\tENABLED\tTHRESHOLD\tTIMEOUT")
			for _, row := range cfg.Table() {
				fmt.Fprintf(w, "%s\t%t\t%.2f\t%s\n", row.Tool, row.Enabled, row.Threshold, row.Timeout)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the normalized rules file instead of a table")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "classify <file|default> <message...>",
		Short: "Show how a message would be classified",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRules(args[0])
			if cfg == nil {
				return err
			}
			rules := sensitivity.NewManager(cfg, "", nil)
			res := detect.NewClassifier(rules, nil, nil, nil).Classify("toolctl", strings.Join(args[1:], " "))

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			out := cmd.OutOrStdout()
			if res.Detected() {
				fmt.Fprintf(out, "→ %s (confidence %.2f)\n", res.Tool, res.Confidence)
			} else {
				fmt.Fprintln(out, "→ no tool")
			}
			fmt.Fprintf(out, "reason: %s\n", res.Reason)
			if len(res.Candidates) > 0 {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "\nTOOL\tRAW\tADJUSTED\tTHRESHOLD\tMATCHED")
				for _, c := range res.Candidates {
					fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%s\n", c.Tool, c.Raw, c.Adjusted, c.Threshold, strings.Join(c.Matched, ", "))
				}
				return w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func unjoin(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}
