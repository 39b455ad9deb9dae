// Package main implements a one-shot seed command that creates a sample
// defense and a sample attack directly in the MLSec database and blob store.
// It lives inside the platform module so it can access internal/* packages.
//
// Usage (from repo root):
//
//	go run ./cmd/seed \
//	  --defense-image mlsec/sample-defense:latest \
//	  --attack-files 3
//
// Environment variables:
//
//	MLSEC_CONFIG       Path to the YAML config file (optional)
//	MLSEC_DATABASE_DSN SQLite file path or Postgres DSN (default: mlsec.db)
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	defenseImage := flag.String("defense-image", "mlsec/sample-defense:latest", "Docker image reference for the sample defense")
	attackFiles := flag.Int("attack-files", 3, "Number of synthetic malware-variant files to create")
	name := flag.String("name", "seed", "Base name for the created submissions")
	flag.Parse()

	if *attackFiles < 1 {
		return fmt.Errorf("--attack-files must be at least 1")
	}

	ctx := context.Background()

	// ─── Config ───────────────────────────────────────────────────────────────

	cfg, err := config.Load(envOrDefault("MLSEC_CONFIG", ""))
	if err != nil {
		return err
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Blob store ───────────────────────────────────────────────────────────

	blobs, err := blobstore.NewMinIO(blobstore.Config{
		Endpoint:  cfg.Blobstore.Endpoint,
		AccessKey: cfg.Blobstore.AccessKey,
		SecretKey: cfg.Blobstore.SecretKey,
		Bucket:    cfg.Blobstore.Bucket,
		UseSSL:    cfg.Blobstore.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	// ─── Defense submission ───────────────────────────────────────────────────

	subs := repositories.NewSubmissionRepository(database)

	defense := &db.Submission{
		Kind:   db.SubmissionKindDefense,
		Name:   *name + "-defense",
		Status: db.SubmissionStatusSubmitted,
	}
	if err := subs.Create(ctx, defense); err != nil {
		return fmt.Errorf("create defense: %w", err)
	}
	if err := subs.CreateSource(ctx, &db.DefenseSource{
		DefenseSubmissionID: defense.ID,
		DockerImage:         *defenseImage,
	}); err != nil {
		return fmt.Errorf("create defense source: %w", err)
	}

	// ─── Attack submission ────────────────────────────────────────────────────

	attack := &db.Submission{
		Kind:   db.SubmissionKindAttack,
		Name:   *name + "-attack",
		Status: db.SubmissionStatusSubmitted,
	}
	if err := subs.Create(ctx, attack); err != nil {
		return fmt.Errorf("create attack: %w", err)
	}

	files := make([]db.AttackFile, 0, *attackFiles)
	for i := 0; i < *attackFiles; i++ {
		body := stubPE(i)
		sum := sha256.Sum256(body)
		filename := fmt.Sprintf("variant-%03d.exe", i)
		key := fmt.Sprintf("attacks/%s/%s", attack.ID, filename)

		if err := blobs.Upload(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		files = append(files, db.AttackFile{
			AttackSubmissionID: attack.ID,
			ObjectKey:          key,
			Filename:           filename,
			SHA256:             hex.EncodeToString(sum[:]),
			IsMalware:          true,
		})
	}
	if err := subs.BulkCreateFiles(ctx, files); err != nil {
		return fmt.Errorf("create attack files: %w", err)
	}

	fmt.Printf("✓ Defense submission created\n")
	fmt.Printf("  ID:    %s\n", defense.ID)
	fmt.Printf("  Image: %s\n", *defenseImage)
	fmt.Printf("✓ Attack submission created\n")
	fmt.Printf("  ID:    %s\n", attack.ID)
	fmt.Printf("  Files: %d\n", len(files))
	fmt.Printf("\nQueue them against a running server with:\n")
	fmt.Printf("  curl -X POST localhost%s/api/v1/queue/defense -d '{\"defense_submission_id\":\"%s\"}'\n", cfg.API.ListenAddr, defense.ID)
	fmt.Printf("  curl -X POST localhost%s/api/v1/queue/attack -d '{\"attack_submission_id\":\"%s\"}'\n", cfg.API.ListenAddr, attack.ID)

	return nil
}

// stubPE returns a synthetic PE-shaped body: the MZ magic, a marker naming
// the variant, and zero padding. Real platforms store actual malware
// variants here; the seed only needs bytes a defense can classify.
func stubPE(i int) []byte {
	body := make([]byte, 4096)
	copy(body, "MZ")
	copy(body[64:], fmt.Sprintf("mlsec-seed-variant-%03d", i))
	return body
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
