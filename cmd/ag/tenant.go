package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actiongate/internal/auth"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/repo"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants and agent keys"}
	cmd.AddCommand(tenantListCmd())
	cmd.AddCommand(tenantUseCmd())
	cmd.AddCommand(tenantMembersCmd())
	key := &cobra.Command{Use: "key", Short: "Manage agent key slots"}
	key.AddCommand(tenantKeyAddCmd())
	key.AddCommand(tenantKeyListCmd())
	key.AddCommand(tenantKeyRevokeCmd())
	cmd.AddCommand(key)
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default tenant for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ACTIONGATE_TENANT", tenantID); err != nil {
				return err
			}
			fmt.Printf("Set ACTIONGATE_TENANT=%s in %s/.env\n", tenantID, workspace)
			return nil
		},
	}
}

func tenantMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List tenant role memberships",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.UserID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func newAgentKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "agk_" + hex.EncodeToString(buf), nil
}

func tenantKeyAddCmd() *cobra.Command {
	var label, key string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an agent key slot; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			if strings.TrimSpace(key) == "" {
				if key, err = newAgentKey(); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetTenant(ctx, tenant); err != nil {
					return fmt.Errorf("tenant %s: %w", tenant, err)
				}
				slot := domain.AgentKey{
					ID:        uuid.NewString(),
					TenantID:  tenant,
					Label:     label,
					KeyHash:   repo.HashAgentKey(key),
					CreatedAt: time.Now().UTC().Format(domain.TimeLayout),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAgentKeyTx(ctx, tx, slot); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": slot.ID, "tenantId": tenant, "key": key})
				}
				fmt.Printf("added key slot %s for %s\nkey: %s\n(store it now; only its hash is kept)\n", slot.ID, tenant, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "slot label")
	cmd.Flags().StringVar(&key, "key", "", "use this key instead of generating one")
	return cmd
}

func tenantKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agent key slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAgentKeys(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Fingerprint", "Created", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Label, k.KeyHash[:12], k.CreatedAt, deref(k.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an agent key slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.RevokeAgentKey(ctx, tenant, args[0], time.Now().UTC().Format(domain.TimeLayout)); err != nil {
					return fmt.Errorf("revoke %s: %w", args[0], err)
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session tokens"}
	var subject, email string
	var roles []string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.MintToken(cfg.Auth.JWTSecret, subject, email, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "user id")
	mint.Flags().StringVar(&email, "email", "", "user email")
	mint.Flags().StringSliceVar(&roles, "role", nil, "global roles, e.g. platform_admin")
	mint.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Proposal counts by status for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountProposalsByStatus(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}
