// Command provision-owner creates or updates a channel owner in the
// datastore and optionally mints an operator token for it.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"multicam-live/internal/auth"
	"multicam-live/internal/ingest"
	"multicam-live/internal/storage"
)

const generatedPINLength = 6

func main() {
	var (
		jsonPath    string
		postgresDSN string
		ownerID     string
		pin         string
		disable     bool
		mintToken   bool
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&ownerID, "owner", "", "Owner id used in stream keys (<owner>-cam<index>)")
	flag.StringVar(&pin, "pin", "", "Camera PIN; a random one is generated when empty")
	flag.BoolVar(&disable, "disable", false, "Mark the owner inactive")
	flag.BoolVar(&mintToken, "token", false, "Print a new operator token entry for the owner")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	result, err := provisionOwner(ctx, auth.NewDirectory(repo), ownerID, pin, !disable)
	if err != nil {
		fatalf("provision owner: %v", err)
	}

	fmt.Printf("Owner %s saved (active=%t).\n", result.OwnerID, result.Active)
	if result.GeneratedPIN != "" {
		fmt.Printf("Generated camera PIN: %s\n", result.GeneratedPIN)
	}
	if mintToken {
		token, err := auth.GenerateToken(32)
		if err != nil {
			fatalf("generate token: %v", err)
		}
		fmt.Println("Append this entry to MULTICAM_OPERATOR_TOKENS:")
		fmt.Printf("%s:%s\n", token, result.OwnerID)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	repo, err := storage.NewPostgresRepository(ctx, postgresDSN, storage.WithPostgresApplicationName("multicam-provision-owner"))
	if err != nil {
		return nil, err
	}
	if migrator, ok := repo.(interface{ Migrate(context.Context) error }); ok {
		if err := migrator.Migrate(ctx); err != nil {
			_ = repo.Close(ctx)
			return nil, err
		}
	}
	return repo, nil
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

type provisionResult struct {
	OwnerID      string
	Active       bool
	GeneratedPIN string
}

type ownerSeeder interface {
	Seed(ctx context.Context, seeds []auth.OwnerSeed) (int, error)
}

func provisionOwner(ctx context.Context, directory ownerSeeder, ownerID, pin string, active bool) (provisionResult, error) {
	ownerID, err := normalizeOwnerID(ownerID)
	if err != nil {
		return provisionResult{}, err
	}
	result := provisionResult{OwnerID: ownerID, Active: active}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		pin, err = generatePIN(generatedPINLength)
		if err != nil {
			return provisionResult{}, fmt.Errorf("generate pin: %w", err)
		}
		result.GeneratedPIN = pin
	}
	if _, err := directory.Seed(ctx, []auth.OwnerSeed{{ID: ownerID, Active: &active, PIN: pin}}); err != nil {
		return provisionResult{}, err
	}
	return result, nil
}

// normalizeOwnerID checks that the id survives the stream key round trip so
// cameras publishing as <owner>-cam<index> resolve to it.
func normalizeOwnerID(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", errors.New("--owner is required")
	}
	key, err := ingest.ParseStreamKey(ownerID + "-cam1")
	if err != nil {
		return "", fmt.Errorf("owner id %q cannot be used in a stream key: %w", ownerID, err)
	}
	return key.OwnerID, nil
}

func generatePIN(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		digit, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + digit.Int64()))
	}
	return b.String(), nil
}
