package main

import (
	"flag"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/schema"
)

var (
	configPath = flag.String("config", "magpie.yaml", "Path to the configuration file")
	nodeName   = flag.String("node", "", "Migrate only the named node (default: all configured nodes)")
	dryRun     = flag.Bool("dry-run", false, "Print the statements without executing them")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Magpie Schema Migration Tool")
	log.Println("============================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.HA.Nodes) == 0 {
		log.Fatal("No nodes configured")
	}

	if *dryRun {
		log.Println("\n[DRY RUN] Would execute on each node:")
		for _, stmt := range schema.Statements() {
			log.Printf("  %s", stmt)
		}
		return
	}

	migrated := 0
	for _, node := range cfg.HA.Nodes {
		if *nodeName != "" && node.Name != *nodeName {
			continue
		}
		log.Printf("Migrating %s...", node.Name)

		db, err := sqlx.Open("postgres", node.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open %s: %v", node.Name, err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("Node %s unreachable: %v", node.Name, err)
		}
		if err := schema.Ensure(db); err != nil {
			log.Fatalf("Migration of %s failed: %v", node.Name, err)
		}
		db.Close()

		log.Printf("✓ %s migrated", node.Name)
		migrated++
	}

	if migrated == 0 {
		log.Fatalf("No node named %q in config", *nodeName)
	}
	log.Printf("\n✓ Migration completed on %d node(s)", migrated)
}
