package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/tessera/pkg/stores"
	"github.com/rs/zerolog"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Init opens the connection and applies migrations
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveCheckpoint demonstrates writing and reading the latest checkpoint.
func ExampleSQLiteStore_SaveCheckpoint() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	defer store.Close()

	// The run record must exist before its checkpoints
	_ = store.SaveRun(ctx, &stores.RunRecord{ID: "run-001", PlanName: "accumulate", Status: "running"})

	for cycle := 1; cycle <= 3; cycle++ {
		rec := &stores.CheckpointRecord{
			RunID:     "run-001",
			Cycle:     cycle,
			CreatedAt: time.Now(),
			Checksum:  fmt.Sprintf("sum-%d", cycle),
			Payload:   []byte(`{"version":1}`),
		}
		if err := store.SaveCheckpoint(ctx, rec); err != nil {
			log.Fatal(err)
		}
	}

	latest, err := store.LoadCheckpoint(ctx, "run-001", -1)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Latest cycle: %d, checksum: %s\n", latest.Cycle, latest.Checksum)
	// Output: Latest cycle: 3, checksum: sum-3
}

// ExampleOpen demonstrates selecting a backend from configuration.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Backend: stores.BackendSQLite, Path: ":memory:"}, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store healthy")
	// Output: Store healthy
}
