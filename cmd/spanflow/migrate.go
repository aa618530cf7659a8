package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateFlags 所有迁移子命令共用的参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	all        bool
}

func parseMigrateFlags(name string, args []string) (*migrateFlags, []string, error) {
	f := &migrateFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&f.all, "all", false, "Rollback all migrations (down only)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// createMigrator 优先使用 --db-type/--db-url，否则读取配置
func createMigrator(f *migrateFlags) (*migration.DefaultMigrator, error) {
	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL)
	}

	loader := config.NewLoader()
	if f.configPath != "" {
		loader = loader.WithConfigPath(f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// runMigrate 处理 migrate 子命令。版本参数位于子命令之后、选项之前：
//
//	spanflow migrate goto 2 --config config.yaml
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand, rest := args[0], args[1:]
	if subcommand == "help" || subcommand == "-h" || subcommand == "--help" {
		printMigrateUsage()
		return
	}

	var positional string
	switch subcommand {
	case "goto", "force", "steps":
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: spanflow migrate %s <n>\n", subcommand)
			os.Exit(1)
		}
		positional, rest = rest[0], rest[1:]
	case "up", "down", "status", "version", "reset":
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}

	flags, _, err := parseMigrateFlags("migrate "+subcommand, rest)
	if err != nil {
		os.Exit(2)
	}

	migrator, err := createMigrator(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := dispatchMigrate(context.Background(), migration.NewCLI(migrator), subcommand, positional, flags.all); err != nil {
		fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", subcommand, err)
		migrator.Close()
		os.Exit(1)
	}
}

// dispatchMigrate 执行子命令
func dispatchMigrate(ctx context.Context, cli *migration.CLI, subcommand, positional string, all bool) error {
	switch subcommand {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		if all {
			return cli.RunDownAll(ctx)
		}
		return cli.RunDown(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "reset":
		return cli.RunReset(ctx)
	case "goto":
		v, err := strconv.ParseUint(positional, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", positional)
		}
		return cli.RunGoto(ctx, uint(v))
	case "force":
		v, err := strconv.ParseInt(positional, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", positional)
		}
		return cli.RunForce(ctx, int(v))
	case "steps":
		n, err := strconv.Atoi(positional)
		if err != nil {
			return fmt.Errorf("invalid step count %q", positional)
		}
		return cli.RunSteps(ctx, n)
	default:
		return fmt.Errorf("unknown migrate subcommand %q", subcommand)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  spanflow migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration (--all rolls back everything)
  steps <n>   Apply (n>0) or rollback (n<0) n migrations
  status      Show migration status
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations and re-apply them
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  spanflow migrate up
  spanflow migrate up --config /etc/spanflow/config.yaml
  spanflow migrate down --all
  spanflow migrate goto 1
  spanflow migrate up --db-type sqlite --db-url sqlite3://spanflow.db`)
}
