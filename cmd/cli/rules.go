package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"crmflow/internal/automation"
	"crmflow/internal/models"
	"crmflow/internal/services"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ruleFile 规则导入导出文件格式
type ruleFile struct {
	Rules []services.AutomationRuleRequest `yaml:"rules"`
}

func readRuleFile(r io.Reader) ([]services.AutomationRuleRequest, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	return f.Rules, nil
}

func writeRuleFile(w io.Writer, rules []models.AutomationRule) error {
	f := ruleFile{Rules: make([]services.AutomationRuleRequest, 0, len(rules))}
	for _, r := range rules {
		active := r.Active
		f.Rules = append(f.Rules, services.AutomationRuleRequest{
			Name:        r.Name,
			Description: r.Description,
			Trigger:     r.Trigger,
			Conditions:  map[string]any(r.Conditions),
			Actions:     []automation.Action(r.Actions),
			Active:      &active,
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return enc.Close()
}

// validateRuleFile 返回每条不合法规则的错误，键为 "#序号 名称"
func validateRuleFile(reqs []services.AutomationRuleRequest) map[string]error {
	bad := map[string]error{}
	seen := map[string]bool{}
	for i := range reqs {
		key := fmt.Sprintf("#%d %s", i+1, reqs[i].Name)
		if err := services.ValidateRule(&reqs[i]); err != nil {
			bad[key] = err
			continue
		}
		if seen[reqs[i].Name] {
			bad[key] = &automation.ValidationError{Field: "name", Message: "duplicate name in file"}
		}
		seen[reqs[i].Name] = true
	}
	return bad
}

// importRules 按名称新建或更新规则
func importRules(ctx context.Context, svc *services.AutomationService, reqs []services.AutomationRuleRequest) (created, updated int, err error) {
	if bad := validateRuleFile(reqs); len(bad) > 0 {
		return 0, 0, fmt.Errorf("%d invalid rule(s); run `rules validate` for details", len(bad))
	}
	existing, err := svc.ListRules(ctx, &services.RuleListRequest{})
	if err != nil {
		return 0, 0, err
	}
	byName := make(map[string]uint, len(existing))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}
	for i := range reqs {
		req := &reqs[i]
		if id, ok := byName[req.Name]; ok {
			if _, err := svc.UpdateRule(ctx, id, req); err != nil {
				return created, updated, fmt.Errorf("update %q: %w", req.Name, err)
			}
			updated++
			continue
		}
		if _, err := svc.CreateRule(ctx, req); err != nil {
			return created, updated, fmt.Errorf("create %q: %w", req.Name, err)
		}
		created++
	}
	return created, updated, nil
}

var (
	flagRuleFile    string
	flagRuleTrigger string
	flagExportOut   string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rules, err := a.Automation.ListRules(cmd.Context(), &services.RuleListRequest{Trigger: flagRuleTrigger})
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), rules)
	},
}

func printRules(w io.Writer, rules []models.AutomationRule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tACTIVE\tACTIONS\tEXECUTIONS")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%d\n", r.ID, r.Name, r.Trigger, r.Active, len(r.Actions), r.ExecutionCount)
	}
	return tw.Flush()
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export rules as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rules, err := a.Automation.ListRules(cmd.Context(), &services.RuleListRequest{Trigger: flagRuleTrigger})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return writeRuleFile(out, rules)
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or update rules from a YAML file (matched by name)",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := readRuleFileAt(flagRuleFile)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		created, updated, err := importRules(cmd.Context(), a.Automation, reqs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d rule(s): %d created, %d updated\n", created+updated, created, updated)
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a YAML rule file without touching the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := readRuleFileAt(flagRuleFile)
		if err != nil {
			return err
		}
		bad := validateRuleFile(reqs)
		for key, err := range bad {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", key, err)
		}
		if len(bad) > 0 {
			return fmt.Errorf("%d of %d rule(s) invalid", len(bad), len(reqs))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rule(s) valid\n", len(reqs))
		return nil
	},
}

func readRuleFileAt(path string) ([]services.AutomationRuleRequest, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readRuleFile(f)
}

func init() {
	rulesListCmd.Flags().StringVar(&flagRuleTrigger, "trigger", "", "only rules for this trigger")
	rulesExportCmd.Flags().StringVar(&flagRuleTrigger, "trigger", "", "only rules for this trigger")
	rulesExportCmd.Flags().StringVarP(&flagExportOut, "output", "o", "", "write to file instead of stdout")
	rulesImportCmd.Flags().StringVarP(&flagRuleFile, "file", "f", "", "YAML rule file")
	rulesValidateCmd.Flags().StringVarP(&flagRuleFile, "file", "f", "", "YAML rule file")

	rulesCmd.AddCommand(rulesListCmd, rulesExportCmd, rulesImportCmd, rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
