package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by EMERGENCE_ENV (or .env by
// default). All config is flat env vars read via os.Getenv afterwards.
func Load() error {
	envFile := os.Getenv("EMERGENCE_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Missing env file is fine, defaults apply.
	_ = godotenv.Load(envFile)

	return nil
}

// DatabaseURL selects the Postgres snapshot store when set; the file
// store is used otherwise.
func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// SnapshotDir is the file snapshot store's directory.
// Defaults to "data".
func SnapshotDir() string {
	dir := os.Getenv("SNAPSHOT_DIR")
	if dir == "" {
		return "data"
	}
	return dir
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// RandomSeed seeds the simulation's random source. 0 (unset) means a
// time-based seed.
func RandomSeed() int64 {
	seed, err := strconv.ParseInt(os.Getenv("RANDOM_SEED"), 10, 64)
	if err != nil {
		return 0
	}
	return seed
}

// TicksPerSecond paces the driver loop. Defaults to 2.
func TicksPerSecond() float64 {
	tps, err := strconv.ParseFloat(os.Getenv("TICKS_PER_SECOND"), 64)
	if err != nil || tps <= 0 {
		return 2
	}
	return tps
}

// FoundingEntities is how many founding entities the driver seeds.
// Defaults to 6.
func FoundingEntities() int {
	n, err := strconv.Atoi(os.Getenv("FOUNDING_ENTITIES"))
	if err != nil || n <= 0 {
		return 6
	}
	return n
}

// MaintenanceEveryTicks is how often the driver runs crystal
// maintenance. Defaults to 50.
func MaintenanceEveryTicks() int {
	n, err := strconv.Atoi(os.Getenv("MAINTENANCE_EVERY_TICKS"))
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

// SnapshotEveryTicks is how often the driver persists tracker state
// and birth history. Defaults to 100.
func SnapshotEveryTicks() int {
	n, err := strconv.Atoi(os.Getenv("SNAPSHOT_EVERY_TICKS"))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}
