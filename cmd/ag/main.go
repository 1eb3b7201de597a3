package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actiongate/internal/app"
	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/logging"
	"actiongate/internal/migrate"
	"actiongate/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "ag",
	Short: "ActionGate CLI",
	Long: `ActionGate gates side-effecting actions proposed by automated agents.
- Proposal: a durable request by an agent to run an action for a tenant (publish content, push leads, publish or optimize ads).
- Policy: low-risk proposals can skip approval; everything else waits for a decision.
- Decision: a human or an agent with the tenant key approves or rejects; a human approval of an allow-listed action also executes it.
- Execution: runs exactly once per attempt; failures are recorded and can be retried.
- Event log: every transition is appended to the audit log, view it with 'ag proposal events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// initConfig loads the workspace .env before binding ACTIONGATE_* variables.
// Variables already set in the environment win over the file.
func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("ACTIONGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "operator identity recorded on decisions and executions")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant id (defaults to ACTIONGATE_TENANT)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "session token secret (overrides auth.jwt_secret)")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(statusCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed tenants from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenants, err := e.Repo.ListTenants(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("database ready, %d tenants\n", len(tenants))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage actiongate.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default actiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			for i := range cfg.Tenants {
				for j := range cfg.Tenants[i].AgentKeys {
					cfg.Tenants[i].AgentKeys[j] = "********"
				}
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate actiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true})
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

// --- helpers ---

// loadConfig reads the workspace config and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (*repo.Repo, func(), error) {
	dbCfg := db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	if _, err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &repo.Repo{DB: conn, Dialect: dbCfg.Dialect()}, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	if _, err := app.Bootstrap(ctx, *r, cfg, time.Now()); err != nil {
		return err
	}
	e, err := engine.New(r.DB, r.Dialect, cfg)
	if err != nil {
		return err
	}
	e.Logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return fn(ctx, e)
}

// operator is the human principal behind CLI commands.
func operator() domain.Principal {
	return domain.Principal{Kind: domain.PrincipalHuman, ID: viper.GetString("actor-id")}
}

func requireTenant() (string, error) {
	tenant := strings.TrimSpace(viper.GetString("tenant"))
	if tenant == "" {
		return "", fmt.Errorf("tenant not specified; use --tenant or ag tenant use <id>")
	}
	return tenant, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPayload accepts inline JSON or @path.
func readPayload(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if strings.HasPrefix(s, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
