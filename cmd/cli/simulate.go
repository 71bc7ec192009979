package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"crmflow/internal/middleware"
	"crmflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	flagSimTrigger string
	flagSimPayload string
	flagSimRuleID  uint
)

// simulateCmd 模拟执行：条件求值与动作预览，不写库、不外发
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Dry-run the rules for a trigger against a JSON payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(flagSimPayload)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		summary, err := a.Automation.DryRun(cmd.Context(), &services.DryRunRequest{
			Trigger: flagSimTrigger,
			Payload: payload,
			RuleID:  flagSimRuleID,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func readPayload(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

var flagPurgeDays int

var purgeLogsCmd = &cobra.Command{
	Use:   "purge-logs",
	Short: "Delete execution logs older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagPurgeDays <= 0 {
			return errors.New("--days must be positive")
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		cutoff := time.Now().Add(-time.Duration(flagPurgeDays) * 24 * time.Hour)
		deleted, err := a.Automation.PurgeLogs(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d log(s) triggered before %s\n", deleted, cutoff.Format(time.RFC3339))
		return nil
	},
}

var (
	flagTokenSubject string
	flagTokenEmail   string
	flagTokenRoles   []string
	flagTokenTTL     time.Duration
)

// tokenCmd 生成 HS256 JWT，用于调试与服务间调用
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return errors.New("jwt.secret is empty; set it in config")
		}
		tok, err := middleware.GenerateToken(cfg.JWT.Secret, flagTokenSubject, flagTokenEmail, flagTokenRoles, flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&flagSimTrigger, "trigger", "", "trigger name, e.g. client_created")
	simulateCmd.Flags().StringVar(&flagSimPayload, "payload", "", "JSON payload file (- for stdin)")
	simulateCmd.Flags().UintVar(&flagSimRuleID, "rule", 0, "simulate a single rule by id, even if inactive")

	purgeLogsCmd.Flags().IntVar(&flagPurgeDays, "days", 90, "retention in days")

	tokenCmd.Flags().StringVar(&flagTokenSubject, "sub", "admin", "subject claim")
	tokenCmd.Flags().StringVar(&flagTokenEmail, "email", "", "email claim, recorded as the acting user")
	tokenCmd.Flags().StringSliceVar(&flagTokenRoles, "roles", []string{"admin"}, "comma-separated roles")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", time.Hour, "token lifetime")

	rootCmd.AddCommand(simulateCmd, purgeLogsCmd, tokenCmd)
}
