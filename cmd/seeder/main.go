// cmd/seeder/main.go
package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/unclebandit/rallymail-backend/internal/config"
	"github.com/unclebandit/rallymail-backend/internal/db"
	"github.com/unclebandit/rallymail-backend/internal/logger"
)

// Applies migrations/*.sql and then seed/*.sql in file-name order. Set
// SEED_SKIP_DATA=true to only migrate.
func main() {
	log := logger.Init(os.Getenv("LOG_LEVEL"), true)

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database.URL, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer conn.Close()

	dirs := []string{"migrations"}
	if os.Getenv("SEED_SKIP_DATA") != "true" {
		dirs = append(dirs, "seed")
	}

	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
		if err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("bad glob")
		}
		sort.Strings(files)

		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				log.Fatal().Err(err).Str("file", file).Msg("failed to read")
			}
			if _, err := conn.ExecContext(ctx, string(content)); err != nil {
				log.Fatal().Err(err).Str("file", file).Msg("failed to execute")
			}
			log.Info().Str("file", file).Msg("applied")
		}
	}

	log.Info().Msg("✅ Database seeding completed successfully!")
}
