package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/punchamoorthee/creditops/internal/store"
)

var (
	totalAccounts  int
	initialBalance int64
	prefix         string
)

func init() {
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of credit accounts to create")
	flag.Int64Var(&initialBalance, "balance", 10000, "Opening balance in credits")
	flag.StringVar(&prefix, "prefix", "bench-user", "User id prefix")
}

func main() {
	flag.Parse()

	_ = godotenv.Load()
	dbURL, err := dbSource(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	// 1. Schema
	pg, err := store.NewPostgres(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	pg.Close()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer conn.Close(ctx)

	log.Println("--- Seeding Credit Accounts ---")

	// 2. Check existing
	var count int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM credit_accounts WHERE user_id LIKE $1", prefix+"-%").Scan(&count); err != nil {
		log.Fatalf("Count failed: %v", err)
	}
	if count >= totalAccounts {
		log.Printf("Database already has %d %s accounts. Skipping.", count, prefix)
		return
	}

	// 3. Bulk Insert using CopyFrom
	log.Printf("Generating %d accounts...", totalAccounts-count)
	now := time.Now()
	rows := make([][]any, 0, totalAccounts-count)
	for i := count; i < totalAccounts; i++ {
		rows = append(rows, []any{fmt.Sprintf("%s-%04d", prefix, i+1), initialBalance, now, now})
	}

	copyCount, err := conn.CopyFrom(
		ctx,
		pgx.Identifier{"credit_accounts"},
		[]string{"user_id", "balance", "created_at", "last_updated"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		log.Fatalf("Bulk insert failed: %v", err)
	}

	log.Printf("Successfully seeded %d accounts.", copyCount)
}

func dbSource(getenv func(string) string) (string, error) {
	dsn := getenv("DB_SOURCE")
	if dsn == "" {
		return "", errors.New("DB_SOURCE environment variable is required")
	}
	return dsn, nil
}
