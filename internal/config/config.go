package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"actiongate/internal/domain"
)

// Config models actiongate.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Auth      AuthConfig              `yaml:"auth"`
	Tenants   []TenantConfig          `yaml:"tenants"`
	RBAC      RBACConfig              `yaml:"rbac"`
	Execution ExecutionConfig         `yaml:"execution"`
	Policy    PolicyConfig            `yaml:"policy"`
	Actions   map[string]ActionConfig `yaml:"actions"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Notify    NotifyConfig            `yaml:"notify"`
	Tracing   struct {
		Enabled bool   `yaml:"enabled"`
		Output  string `yaml:"output"`
	} `yaml:"tracing"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret"`
	AgentKeyHeader    string `yaml:"agent_key_header"`
	AgentLabelHeader  string `yaml:"agent_label_header"`
	DefaultAgentLabel string `yaml:"default_agent_label"`
}

type TenantConfig struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	AgentKeys     []string       `yaml:"agent_keys"`
	CRMWebhookURL string         `yaml:"crm_webhook_url"`
	Members       []MemberConfig `yaml:"members"`
}

type MemberConfig struct {
	User string `yaml:"user"`
	Role string `yaml:"role"`
}

type RBACConfig struct {
	Roles map[string]RBACRole `yaml:"roles"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type ExecutionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// LeaseGrace is added to Timeout to size the execution lease.
	LeaseGrace   time.Duration `yaml:"lease_grace"`
	AutoExecute  []string      `yaml:"auto_execute"`
	MaxAttempts  int           `yaml:"max_attempts"`
	LeadMinScore float64       `yaml:"lead_min_score"`
}

type PolicyConfig struct {
	// AutoApproveExpression is a CEL boolean expression; empty selects the
	// built-in low-risk rule.
	AutoApproveExpression string `yaml:"auto_approve_expression"`
	AutoDecide            bool   `yaml:"auto_decide"`
}

type ActionConfig struct {
	PayloadSchema string `yaml:"payload_schema"`
}

type RateLimitConfig struct {
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
}

type NotifyConfig struct {
	NATSURL       string          `yaml:"nats_url"`
	SubjectPrefix string          `yaml:"subject_prefix"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	defaultTimeout    = 30 * time.Second
	defaultLeaseGrace = 10 * time.Second
)

// ExecutionTimeout is the bound applied to every executor call.
func (c *Config) ExecutionTimeout() time.Duration {
	if c == nil || c.Execution.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Execution.Timeout
}

// LeaseTTL sizes the execution lease so it outlives the executor timeout.
func (c *Config) LeaseTTL() time.Duration {
	grace := defaultLeaseGrace
	if c != nil && c.Execution.LeaseGrace > 0 {
		grace = c.Execution.LeaseGrace
	}
	return c.ExecutionTimeout() + grace
}

// AutoExecutable reports whether a human approval of this action type
// triggers execution in the same call.
func (c *Config) AutoExecutable(a domain.ActionType) bool {
	if c == nil {
		return false
	}
	return lo.Contains(c.Execution.AutoExecute, string(a))
}

// Tenant returns the configured tenant with id, if any.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	if c == nil {
		return TenantConfig{}, false
	}
	return lo.Find(c.Tenants, func(t TenantConfig) bool { return t.ID == id })
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Execution.Timeout < 0 {
		return fmt.Errorf("config.execution.timeout must be positive")
	}
	if c.Execution.MaxAttempts < 0 {
		return fmt.Errorf("config.execution.max_attempts must be >= 0")
	}
	for _, a := range c.Execution.AutoExecute {
		if _, err := domain.ParseActionType(a); err != nil {
			return fmt.Errorf("config.execution.auto_execute: %w", err)
		}
	}
	for name := range c.Actions {
		if _, err := domain.ParseActionType(name); err != nil {
			return fmt.Errorf("config.actions: %w", err)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("config.tenants contains empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s declared twice", t.ID)
		}
		seen[t.ID] = true
		for _, k := range t.AgentKeys {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("tenant %s has empty agent key", t.ID)
			}
		}
		for _, m := range t.Members {
			if m.User == "" || m.Role == "" {
				return fmt.Errorf("tenant %s has member without user or role", t.ID)
			}
			if _, ok := c.RBAC.Roles[m.Role]; !ok {
				return fmt.Errorf("tenant %s member %s references unknown role %s", t.ID, m.User, m.Role)
			}
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config.rate_limit values must be >= 0")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actiongate.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ag config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

database:
  driver: sqlite

auth:
  agent_key_header: X-Agent-Key
  agent_label_header: X-Agent-Id
  default_agent_label: agent

rbac:
  roles:
    owner:
      description: "Full control of the tenant"
      permissions: [tenant.read, tenant.manage]
    admin:
      description: "Decides and executes proposals"
      permissions: [tenant.read, tenant.manage]
    member:
      description: "Proposes and reads"
      permissions: [tenant.read]
    viewer:
      description: "Read only"
      permissions: [tenant.read]

execution:
  timeout: 30s
  lease_grace: 10s
  auto_execute: [send_leads_ghl]
  max_attempts: 0
  lead_min_score: 0

policy:
  auto_approve_expression: ""
  auto_decide: false

actions:
  send_leads_ghl:
    payload_schema: |
      {
        "type": "object",
        "properties": {
          "leads": {"type": "array", "items": {"type": "object"}},
          "minScore": {"type": "number"}
        }
      }

rate_limit:
  rps: 0
  burst: 0

notify:
  subject_prefix: actiongate

log:
  level: info
  format: text
`
