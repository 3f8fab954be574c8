package main

import (
	"log"
	"net/http"
	"os"

	"kpl-server/internal/config"
	"kpl-server/internal/db"
	"kpl-server/internal/server"

	"gorm.io/gorm"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	var conn *gorm.DB
	opened, err := db.Open()
	if err != nil {
		log.Printf("starting without card database: %v", err)
	} else {
		conn = opened
		if err := db.ConfigurePool(conn, cfg); err != nil {
			log.Fatalf("database pool setup failed: %v", err)
		}
		if err := db.Migrate(conn); err != nil {
			log.Fatalf("database migration failed: %v", err)
		}
	}

	addr := ":8080"
	if env := os.Getenv("PORT"); env != "" {
		addr = ":" + env
	}

	srv := server.New(conn, cfg)
	srv.StartGC()
	log.Printf("kpl server listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal(err)
	}
}
