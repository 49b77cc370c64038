package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/starwreckntx/mergeguard/internal/policy"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage checkpoint policies",
	Long:  `Inspect and validate the policy document that classifies merge actions and tunes readiness thresholds.`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved policy",
	Long:  `Display the policy document the daemon would use: the configured file when present, otherwise the built-in minimal policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, source, err := resolvePolicy()
		if err != nil {
			return err
		}

		r := newRenderer()
		fmt.Println(r.kvTable([][2]string{
			{"Version", doc.PolicyVersion},
			{"Source", source},
			{"Scope rule", doc.Matchers.ScopeRule},
			{"Tier-1 min score", formatFloat(doc.Thresholds.Tier1Min)},
			{"Tier-2 min score", formatFloat(doc.Thresholds.Tier2Min)},
			{"Proactive cooldown", formatMs(doc.Cooldowns.ProactiveMs)},
			{"Pre-merge reset", formatMs(doc.Cooldowns.PremergeResetMs)},
			{"Allow-token TTL", formatMs(doc.Cooldowns.TokenTTLMs)},
		}))

		kindRows := make([][]string, 0, len(doc.Matchers.Kinds))
		for _, k := range doc.Matchers.Kinds {
			kindRows = append(kindRows, []string{
				string(k.ID),
				string(k.Timing),
				truncateString(strings.Join(k.Patterns, ", "), 60),
			})
		}
		fmt.Println(r.headerTable([]string{"Kind", "Timing", "Patterns"}, kindRows))

		signalRows := make([][]string, 0, len(doc.Thresholds.Signals))
		for _, name := range []string{
			policy.SignalSecondaryReviewed,
			policy.SignalEngagementTime,
			policy.SignalScrollDepth,
			policy.SignalSectionVisited,
			policy.SignalTooSoonPenalty,
		} {
			if weight, ok := doc.Thresholds.Signals[name]; ok {
				signalRows = append(signalRows, []string{name, formatFloat(weight)})
			}
		}
		fmt.Println(r.headerTable([]string{"Signal", "Weight"}, signalRows))

		return nil
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy file",
	Long:  `Parse and validate a YAML policy document without installing it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := policy.ParseFile(args[0])
		if err != nil {
			return fmt.Errorf("policy invalid: %w", err)
		}
		fmt.Printf("✓ Policy valid: version %s, %d kinds\n", doc.PolicyVersion, len(doc.Matchers.Kinds))
		return nil
	},
}

var policyInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a starter policy file",
	Long:  `Write the built-in policy as a YAML file to edit and point policy.file at.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing file: %s", path)
		}

		data, err := yaml.Marshal(policy.Builtin())
		if err != nil {
			return fmt.Errorf("failed to render policy: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write policy file: %w", err)
		}

		fmt.Printf("✓ Starter policy written to %s\n", path)
		return nil
	},
}

func resolvePolicy() (*policy.Document, string, error) {
	if cfg != nil && cfg.Policy.File != "" {
		doc, err := policy.ParseFile(cfg.Policy.File)
		if err != nil {
			return nil, "", err
		}
		return doc, cfg.Policy.File, nil
	}
	return policy.Builtin(), "built-in", nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatMs(ms int64) string {
	return strconv.FormatInt(ms, 10) + "ms"
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyInitCmd)
	rootCmd.AddCommand(policyCmd)
}
