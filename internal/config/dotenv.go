package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

type Config struct {
	AFKGraceSeconds          int
	SelectionSeconds         int
	JudgingSeconds           int
	ResultsDelaySeconds      int
	SkipRestartSeconds       int
	GCIntervalSeconds        int
	LobbyIdleSeconds         int
	GameIdleSeconds          int
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeSeconds int
	DBConnMaxIdleTimeSeconds int
}

func Default() Config {
	return Config{
		AFKGraceSeconds:          30,
		SelectionSeconds:         45,
		JudgingSeconds:           60,
		ResultsDelaySeconds:      5,
		SkipRestartSeconds:       3,
		GCIntervalSeconds:        300,
		LobbyIdleSeconds:         900,
		GameIdleSeconds:          1800,
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           10,
		DBConnMaxLifetimeSeconds: 300,
		DBConnMaxIdleTimeSeconds: 60,
	}
}

func Load() Config {
	cfg := Default()
	loadInt(&cfg.AFKGraceSeconds, "AFK_GRACE_SECONDS")
	loadInt(&cfg.SelectionSeconds, "SELECTION_SECONDS")
	loadInt(&cfg.JudgingSeconds, "JUDGING_SECONDS")
	loadInt(&cfg.ResultsDelaySeconds, "RESULTS_DELAY_SECONDS")
	loadInt(&cfg.SkipRestartSeconds, "SKIP_RESTART_SECONDS")
	loadInt(&cfg.GCIntervalSeconds, "GC_INTERVAL_SECONDS")
	loadInt(&cfg.LobbyIdleSeconds, "LOBBY_IDLE_SECONDS")
	loadInt(&cfg.GameIdleSeconds, "GAME_IDLE_SECONDS")
	loadInt(&cfg.DBMaxOpenConns, "DB_MAX_OPEN_CONNS")
	loadInt(&cfg.DBMaxIdleConns, "DB_MAX_IDLE_CONNS")
	loadInt(&cfg.DBConnMaxLifetimeSeconds, "DB_CONN_MAX_LIFETIME_SECONDS")
	loadInt(&cfg.DBConnMaxIdleTimeSeconds, "DB_CONN_MAX_IDLE_SECONDS")
	return cfg
}

func loadInt(target *int, key string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if value, err := strconv.Atoi(raw); err == nil && value > 0 {
		*target = value
	}
}
