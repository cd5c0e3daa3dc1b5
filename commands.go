package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spot-execution-bot/config"
	"spot-execution-bot/internal/auth"
	"spot-execution-bot/internal/lock"
	"spot-execution-bot/internal/logging"
	"spot-execution-bot/internal/position"
	"spot-execution-bot/internal/risk"
	"spot-execution-bot/internal/safestart"
)

// cliLogger keeps stdout clean for command output
func cliLogger() zerolog.Logger {
	lc := cfg.LoggingConfig
	lc.Output = "stderr"
	lc.JSONFormat = false
	return logging.New(&lc)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// readRecord decodes a persisted record without the quarantine side effect
// of the runtime readers. A missing file yields ok=false.
func readRecord(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the single-instance lock",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current lock holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := lock.New(cfg.PathsConfig.Resolve(cfg.PathsConfig.LockFile), cliLogger())
			info, alive, err := l.Inspect()
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Println("unlocked")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"holder": info, "alive": alive, "path": l.Path()})
		},
	})

	var force bool
	release := &cobra.Command{
		Use:   "release",
		Short: "Remove a stale lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := lock.New(cfg.PathsConfig.Resolve(cfg.PathsConfig.LockFile), cliLogger())
			info, alive, err := l.Inspect()
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Println("unlocked")
				return nil
			}
			if err != nil && !force {
				return fmt.Errorf("%w (use --force)", err)
			}
			if err == nil && alive && !force {
				return fmt.Errorf("%w: pid=%d host=%s (use --force)", lock.ErrAlreadyRunning, info.PID, info.Host)
			}
			// take the lock over, then drop it
			if ok, msg := l.Acquire(cfg.Mode, cfg.Exchange, true); !ok {
				return errors.New(msg)
			}
			if err := l.Release(); err != nil {
				return err
			}
			fmt.Println("released")
			return nil
		},
	}
	release.Flags().BoolVar(&force, "force", false, "release even if the holder is alive")
	cmd.AddCommand(release)
	return cmd
}

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print runtime state, safe-start phase and daily risk record",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := cfg.PathsConfig
			out := map[string]interface{}{}

			var st position.RuntimeState
			if ok, err := readRecord(p.Resolve(p.RuntimeState), &st); err != nil {
				out["runtime_state_error"] = err.Error()
			} else if ok {
				out["runtime_state"] = st
			}

			var gate safestart.Record
			if ok, err := readRecord(p.Resolve(p.SafeStartState), &gate); err != nil {
				out["safe_start_error"] = err.Error()
			} else if ok {
				out["safe_start"] = gate
			}

			var daily risk.DailyState
			if ok, err := readRecord(p.Resolve(p.DailyRisk), &daily); err != nil {
				out["daily_risk_error"] = err.Error()
			} else if ok {
				out["daily_risk"] = daily
			}

			var status map[string]interface{}
			if ok, err := readRecord(p.Resolve(p.RuntimeStatus), &status); err == nil && ok {
				out["runtime_status"] = status
			}
			return printJSON(out)
		},
	})
	return cmd
}

func newJournalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal [executions|shadow|transitions]",
		Short: "Print the most recent journal rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			jr, closeJournal, err := openJournal(ctx, cfg, cliLogger())
			if err != nil {
				return err
			}
			defer closeJournal()

			switch args[0] {
			case "executions":
				rows, err := jr.RecentExecutions(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(rows)
			case "shadow":
				rows, err := jr.RecentShadow(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(rows)
			case "transitions":
				rows, err := jr.RecentTransitions(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(rows)
			default:
				return fmt.Errorf("unknown journal table %q", args[0])
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to print")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var operator, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := auth.NewJWTManager(cfg.AuthConfig)
			if err != nil {
				return err
			}
			tok, err := m.GenerateToken(auth.OperatorClaims{Operator: operator, Role: role})
			if err != nil {
				return err
			}
			return printJSON(tok)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or viewer")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config [path]",
		Short: "Write a sample config.json",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.GenerateSampleConfig(path); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}
