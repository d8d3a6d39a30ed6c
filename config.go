package expedientes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete expedientes configuration
type Config struct {
	Version     uint16           `json:"version" yaml:"version"`
	Database    DatabaseConfig   `json:"database" yaml:"database"`
	Redis       RedisConfig      `json:"redis" yaml:"redis"`
	Server      ServerConfig     `json:"server" yaml:"server"`
	Engine      EngineConfig     `json:"engine" yaml:"engine"`
	Roles       []*Role          `json:"roles" yaml:"roles"`
	Areas       []AreaConfig     `json:"areas" yaml:"areas"`
	Users       []UserConfig     `json:"users" yaml:"users"`
	Rules       []RuleConfig     `json:"rules" yaml:"rules"`
	Supervisors []SupervisorLink `json:"supervisors" yaml:"supervisors"`
}

type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RedisConfig is optional; an empty Addr keeps the supervisor relation in SQL.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type EngineConfig struct {
	RuleCacheTTL        int64 `json:"rule_cache_ttl_ms" yaml:"rule_cache_ttl_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
	DisableRuleCache    bool  `json:"disable_rule_cache" yaml:"disable_rule_cache"`
}

type AreaConfig struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Type   AreaType `json:"type" yaml:"type"`
	Active *bool    `json:"active,omitempty" yaml:"active,omitempty"`
}

type UserConfig struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	Area         string `json:"area" yaml:"area"`
	MaskOverride *int   `json:"mask_override,omitempty" yaml:"mask_override,omitempty"`
	Active       *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// RuleConfig keeps condition and action as written so Validate can report
// every malformed entry instead of failing on the first one at decode time.
type RuleConfig struct {
	ID           string `json:"id" yaml:"id"`
	Role         string `json:"role" yaml:"role"`
	Area         string `json:"area" yaml:"area"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Condition    string `json:"condition" yaml:"condition"`
	Action       string `json:"action" yaml:"action"`
	Inactive     bool   `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

// SupervisorLink states that Supervisor supervises Subordinate.
type SupervisorLink struct {
	Supervisor  string `json:"supervisor" yaml:"supervisor"`
	Subordinate string `json:"subordinate" yaml:"subordinate"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (a AreaConfig) area() *Area {
	return &Area{ID: a.ID, Name: a.Name, Type: a.Type, Active: boolOr(a.Active, true)}
}

func (u UserConfig) user() *User {
	return &User{ID: u.ID, Name: u.Name, RoleID: u.Role, AreaID: u.Area, MaskOverride: u.MaskOverride, Active: boolOr(u.Active, true)}
}

func (r RuleConfig) rule() (*ContextualRule, error) {
	bit, err := ParseBit(r.Action)
	if err != nil {
		return nil, err
	}
	rt := ResourceType(r.ResourceType)
	if rt == "" {
		rt = ResourceDocument
	}
	out := &ContextualRule{
		ID:           r.ID,
		RoleID:       r.Role,
		AreaID:       r.Area,
		ResourceType: rt,
		Condition:    Condition(r.Condition),
		Action:       bit,
		Active:       !r.Inactive,
		CreatedBy:    "config",
	}
	if err := ValidateRule(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, Validation("load config", "invalid yaml: %v", err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, Validation("load config", "invalid json: %v", err)
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything but .json is YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate reports every invalid seed entry joined into one error.
func (c *Config) Validate() error {
	var errs []error
	roles := map[string]bool{}
	for i, r := range c.Roles {
		if err := validateRole(r); err != nil {
			errs = append(errs, fmt.Errorf("roles[%d]: %w", i, err))
			continue
		}
		roles[r.ID] = true
	}
	areas := map[string]bool{}
	for i, a := range c.Areas {
		if err := validateArea(a.area()); err != nil {
			errs = append(errs, fmt.Errorf("areas[%d]: %w", i, err))
			continue
		}
		areas[a.ID] = true
	}
	users := map[string]bool{}
	for i, u := range c.Users {
		switch {
		case u.ID == "":
			errs = append(errs, fmt.Errorf("users[%d]: id is required", i))
			continue
		case !roles[u.Role]:
			errs = append(errs, fmt.Errorf("users[%d]: unknown role %q", i, u.Role))
		case !areas[u.Area]:
			errs = append(errs, fmt.Errorf("users[%d]: unknown area %q", i, u.Area))
		}
		if u.MaskOverride != nil {
			if err := ValidateMask(*u.MaskOverride); err != nil {
				errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			}
		}
		users[u.ID] = true
	}
	for i, r := range c.Rules {
		if _, err := r.rule(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		if !areas[r.Area] {
			errs = append(errs, fmt.Errorf("rules[%d]: unknown area %q", i, r.Area))
		}
	}
	for i, s := range c.Supervisors {
		if !users[s.Supervisor] || !users[s.Subordinate] {
			errs = append(errs, fmt.Errorf("supervisors[%d]: unknown user in %s -> %s", i, s.Supervisor, s.Subordinate))
		}
	}
	return errors.Join(errs...)
}

// EngineOptions translates the engine section into Engine options.
func (c EngineConfig) EngineOptions() []EngineOption {
	if c.DisableRuleCache {
		return []EngineOption{WithoutRuleCache()}
	}
	if c.RistrettoNumCounter <= 0 && c.RuleCacheTTL <= 0 {
		return nil
	}
	counters, cost, buffer := c.RistrettoNumCounter, c.RistrettoMaxCost, c.RistrettoBuffer
	if counters <= 0 {
		counters = defaultRuleCacheCounters
	}
	if cost <= 0 {
		cost = defaultRuleCacheCost
	}
	if buffer <= 0 {
		buffer = defaultRuleCacheBuffer
	}
	ttl := defaultRuleCacheTTL
	if c.RuleCacheTTL > 0 {
		ttl = time.Duration(c.RuleCacheTTL) * time.Millisecond
	}
	return []EngineOption{WithRuleCache(counters, cost, buffer, ttl)}
}

// SupervisorWriter stores supervisor relations.
type SupervisorWriter interface {
	AddSupervision(ctx context.Context, supervisorID, subordinateID string) error
}

// ApplyConfig upserts the seed data of cfg. Supervisor links are skipped when
// supervisors is nil.
func ApplyConfig(ctx context.Context, cfg *Config, engine *Engine, dir *Directory, supervisors SupervisorWriter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, r := range cfg.Roles {
		if err := dir.seedRole(ctx, r); err != nil {
			return fmt.Errorf("apply role %s: %w", r.ID, err)
		}
	}
	for _, a := range cfg.Areas {
		if err := dir.seedArea(ctx, a.area()); err != nil {
			return fmt.Errorf("apply area %s: %w", a.ID, err)
		}
	}
	for _, u := range cfg.Users {
		if err := dir.seedUser(ctx, u.user()); err != nil {
			return fmt.Errorf("apply user %s: %w", u.ID, err)
		}
	}
	for i, rc := range cfg.Rules {
		r, err := rc.rule()
		if err != nil {
			return fmt.Errorf("apply rules[%d]: %w", i, err)
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("cfg-%s-%s-%s-%s", r.RoleID, r.AreaID, r.Condition, r.Action.Name())
		}
		if err := engine.seedRule(ctx, r); err != nil {
			return fmt.Errorf("apply rule %s: %w", r.ID, err)
		}
	}
	engine.InvalidateRuleCache()
	if supervisors != nil {
		for _, s := range cfg.Supervisors {
			if err := supervisors.AddSupervision(ctx, s.Supervisor, s.Subordinate); err != nil {
				return fmt.Errorf("apply supervisor %s -> %s: %w", s.Supervisor, s.Subordinate, err)
			}
		}
	}
	engine.logger.Info("configuration applied", "roles", len(cfg.Roles), "areas", len(cfg.Areas), "users", len(cfg.Users), "rules", len(cfg.Rules), "supervisors", len(cfg.Supervisors))
	return nil
}
