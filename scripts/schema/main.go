// Command schema creates or drops the Scylla keyspace tables.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	drop := flag.Bool("drop", false, "drop every table instead of creating them")
	flag.Parse()

	cfg, err := config.LoadEffective(*configPath)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	sc := cfg.Storage.Scylla
	opts := db.Options{Hosts: sc.Hosts, Keyspace: "system", Consistency: sc.Consistency, Timeout: sc.Timeout.Duration()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !*drop {
		sys, err := db.NewSession(opts)
		if err != nil {
			log.Fatalf("Failed to connect to ScyllaDB: %v", err)
		}
		err = db.CreateKeyspace(ctx, sys, sc.Keyspace, sc.ReplicationFactor)
		sys.Close()
		if err != nil {
			log.Fatalf("Failed to create keyspace: %v", err)
		}
	}

	opts.Keyspace = sc.Keyspace
	session, err := db.NewSession(opts)
	if err != nil {
		log.Fatalf("Failed to connect to keyspace %s: %v", sc.Keyspace, err)
	}
	defer session.Close()

	if *drop {
		log.Printf("Dropping tables in %s...", sc.Keyspace)
		if err := db.Drop(ctx, session); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		log.Println("Tables dropped successfully.")
		return
	}
	if err := db.Migrate(ctx, session); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}
	log.Printf("Schema in %s is up to date.", sc.Keyspace)
}
