package expedientes

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:  1,
			Database: DatabaseConfig{Driver: "sqlite", DSN: "file:expedientes.db?_pragma=busy_timeout(5000)"},
			Server:   ServerConfig{Addr: ":8080"},
			Redis:    RedisConfig{Prefix: "supervisa:"},
			Engine: EngineConfig{
				RuleCacheTTL:        2_000,
				RistrettoNumCounter: defaultRuleCacheCounters,
				RistrettoMaxCost:    defaultRuleCacheCost,
				RistrettoBuffer:     defaultRuleCacheBuffer,
			},
		},
	}
}

func (b *ConfigBuilder) Database(driver, dsn string) *ConfigBuilder {
	b.cfg.Database = DatabaseConfig{Driver: driver, DSN: dsn}
	return b
}

func (b *ConfigBuilder) AddRole(id, name string, mask int) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, &Role{ID: id, Name: name, Mask: mask})
	return b
}

func (b *ConfigBuilder) AddArea(id, name string, typ AreaType) *ConfigBuilder {
	b.cfg.Areas = append(b.cfg.Areas, AreaConfig{ID: id, Name: name, Type: typ})
	return b
}

func (b *ConfigBuilder) AddUser(id, name, role, area string) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, UserConfig{ID: id, Name: name, Role: role, Area: area})
	return b
}

// AddRule adds an active document rule; action is a permission name or index.
func (b *ConfigBuilder) AddRule(role, area string, cond Condition, action string) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, RuleConfig{Role: role, Area: area, ResourceType: string(ResourceDocument), Condition: string(cond), Action: action})
	return b
}

func (b *ConfigBuilder) AddSupervisor(supervisor, subordinate string) *ConfigBuilder {
	b.cfg.Supervisors = append(b.cfg.Supervisors, SupervisorLink{Supervisor: supervisor, Subordinate: subordinate})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
