package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/expedientes"
	"github.com/oarkflow/expedientes/httpapi"
	"github.com/oarkflow/expedientes/logger"
	"github.com/oarkflow/expedientes/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "migrate":
		handleMigrate()
	case "apply":
		handleApply()
	case "serve":
		handleServe()
	case "explain":
		handleExplain()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("expedientes - document routing service with bitmask authorization")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  expedientes convert <input> <output>             - Convert config between YAML and JSON")
	fmt.Println("  expedientes validate <config>                    - Validate configuration")
	fmt.Println("  expedientes migrate <config>                     - Create database tables")
	fmt.Println("  expedientes apply <config>                       - Migrate and load seed data")
	fmt.Println("  expedientes serve <config>                       - Run the HTTP API")
	fmt.Println("  expedientes explain <config> <user> <bit> [doc]  - Trace an access decision")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func argOrUsage(n int, usage string) string {
	if len(os.Args) <= n {
		fail("Usage: %s", usage)
	}
	return os.Args[n]
}

func loadConfig(filename string) *expedientes.Config {
	cfg, err := expedientes.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	return cfg
}

func handleConvert() {
	input := argOrUsage(2, "expedientes convert <input> <output>")
	output := argOrUsage(3, "expedientes convert <input> <output>")
	cfg := loadConfig(input)

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(output)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		err = fmt.Errorf("unsupported file format: %s", filepath.Ext(output))
	}
	if err != nil {
		fail("Error saving config: %v", err)
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", input, output)
}

func handleValidate() {
	cfg := loadConfig(argOrUsage(2, "expedientes validate <config>"))
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration:\n%v", err)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Areas:       %d\n", len(cfg.Areas))
	fmt.Printf("  Users:       %d\n", len(cfg.Users))
	fmt.Printf("  Rules:       %d\n", len(cfg.Rules))
	fmt.Printf("  Supervisors: %d\n", len(cfg.Supervisors))
}

// app wires the stores, engine, directory and workflow from a config.
type app struct {
	sqlDB       *sql.DB
	db          *squealx.DB
	redis       *redis.Client
	docs        *stores.SQLDocumentStore
	supervisors interface {
		expedientes.SupervisorLookup
		expedientes.SupervisorWriter
	}
	registry  *prometheus.Registry
	engine    *expedientes.Engine
	directory *expedientes.Directory
	workflow  *expedientes.Workflow
	log       logger.Logger
}

func openApp(ctx context.Context, cfg *expedientes.Config) (*app, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = "file:expedientes.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	a := &app{
		sqlDB:    sqlDB,
		db:       squealx.NewDb(sqlDB, driver, "expedientes"),
		registry: prometheus.NewRegistry(),
		log:      logger.Default(),
	}
	if err := stores.Migrate(ctx, a.db); err != nil {
		a.close()
		return nil, err
	}
	a.docs = stores.NewSQLDocumentStore(a.db)
	a.supervisors = stores.NewSQLSupervisorStore(a.db)
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.supervisors = stores.NewRedisSupervisorStore(a.redis, cfg.Redis.Prefix)
	}

	metrics := expedientes.NewMetrics(a.registry)
	opts := append([]expedientes.EngineOption{
		expedientes.WithLogger(logger.NewPhusluLogger("engine")),
		expedientes.WithMetrics(metrics),
	}, cfg.Engine.EngineOptions()...)
	a.engine, err = expedientes.NewEngine(stores.NewSQLRuleStore(a.db), a.supervisors, stores.NewSQLSecurityEventStore(a.db), opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	dirStore := stores.NewSQLDirectoryStore(a.db)
	a.directory, err = expedientes.NewDirectory(dirStore, dirStore, dirStore, a.engine, logger.NewPhusluLogger("directory"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.workflow, err = expedientes.NewWorkflow(a.engine, a.docs, a.docs, a.directory,
		expedientes.WithWorkflowLogger(logger.NewPhusluLogger("workflow")),
		expedientes.WithWorkflowMetrics(metrics),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.sqlDB.Close()
}

func handleMigrate() {
	cfg := loadConfig(argOrUsage(2, "expedientes migrate <config>"))
	a, err := openApp(context.Background(), cfg)
	if err != nil {
		fail("Error migrating: %v", err)
	}
	defer a.close()
	fmt.Println("Migrations applied")
}

func handleApply() {
	cfg := loadConfig(argOrUsage(2, "expedientes apply <config>"))
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		fail("Error opening stores: %v", err)
	}
	defer a.close()
	if err := expedientes.ApplyConfig(ctx, cfg, a.engine, a.directory, a.supervisors); err != nil {
		a.close()
		fail("Error applying config: %v", err)
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Roles loaded: %d\n", len(cfg.Roles))
	fmt.Printf("  Areas loaded: %d\n", len(cfg.Areas))
	fmt.Printf("  Users loaded: %d\n", len(cfg.Users))
	fmt.Printf("  Rules loaded: %d\n", len(cfg.Rules))
}

func handleServe() {
	cfg := loadConfig(argOrUsage(2, "expedientes serve <config>"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, cfg)
	if err != nil {
		fail("Error opening stores: %v", err)
	}
	defer a.close()

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	api := httpapi.NewServer(a.workflow, a.engine, a.directory, a.registry, logger.NewPhusluLogger("http"))
	srv := &http.Server{Addr: addr, Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	a.log.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("server stopped", "error", err)
		a.close()
		os.Exit(1)
	}
}

func handleExplain() {
	usage := "expedientes explain <config> <user> <bit> [document-id]"
	cfg := loadConfig(argOrUsage(2, usage))
	userID := argOrUsage(3, usage)
	bit, err := expedientes.ParseBit(argOrUsage(4, usage))
	if err != nil {
		fail("Error: %v", err)
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		fail("Error opening stores: %v", err)
	}
	defer a.close()

	actor, err := a.directory.ResolveActor(ctx, userID)
	if err != nil {
		a.close()
		fail("Error: %v", err)
	}
	req := &expedientes.AccessRequest{Endpoint: "explain", Actor: actor, Bit: bit, ResourceType: expedientes.ResourceDocument}
	if len(os.Args) > 5 {
		doc, err := a.docs.GetDocument(ctx, os.Args[5])
		if err != nil {
			a.close()
			fail("Error: %v", err)
		}
		req.Resource = doc.Snapshot()
	}
	d, err := a.engine.Explain(ctx, req)
	if err != nil {
		a.close()
		fail("Error: %v", err)
	}
	fmt.Printf("Actor %s (role=%s area=%s mask=%d) %s:\n", actor.ID, actor.Role, actor.AreaID, actor.Mask, bit.Name())
	for _, line := range d.Trace {
		fmt.Println("  " + line)
	}
	fmt.Printf("Result: allowed=%t reason=%s\n", d.Allowed, d.Reason)
}
