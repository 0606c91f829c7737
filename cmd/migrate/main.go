package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/ids"
	"hireloop.dev/internal/migrate"
	"hireloop.dev/internal/store/pg"
)

const usage = "usage: migrate [-dsn DSN] up|down|status|apikey [flags]"

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("HIRELOOP_PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or HIRELOOP_PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB())

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil && reverted != "" {
			fmt.Println("reverted", reverted)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	case "apikey":
		err = createAPIKey(ctx, store, flag.Args()[1:])
	default:
		log.Fatalf("unknown command %q\n%s", flag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// createAPIKey issues a machine credential and prints its value once.
func createAPIKey(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	var (
		clientID = fs.String("client", "", "client identifier (required)")
		name     = fs.String("name", "", "human readable client name")
		perms    = fs.String("perms", auth.PermAdminRegister, "comma separated permissions")
		perMin   = fs.Int("rate", 0, "requests per minute, 0 for unlimited")
		ttl      = fs.Duration("ttl", 0, "lifetime, 0 for no expiry")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*clientID) == "" {
		return fmt.Errorf("-client is required")
	}

	var permissions []string
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}
	for _, p := range permissions {
		if !slices.Contains(auth.BuiltinPermissions, p) {
			return fmt.Errorf("unknown permission %q", p)
		}
	}

	value, err := ids.Secret("hlk")
	if err != nil {
		return err
	}
	key := auth.APIKey{
		ClientID:    *clientID,
		ClientName:  *name,
		Permissions: permissions,
		RateLimit:   *perMin,
		Active:      true,
	}
	if *ttl > 0 {
		exp := time.Now().UTC().Add(*ttl)
		key.ExpiresAt = &exp
	}
	created, err := store.CreateAPIKey(ctx, key, auth.HashAPIKey(value))
	if err != nil {
		return err
	}
	fmt.Printf("id:    %s\nkey:   %s\n", created.ID, value)
	return nil
}
