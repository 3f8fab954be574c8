package main

import (
	"encoding/csv"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"kpl-server/internal/config"
	"kpl-server/internal/db"
)

type cardRecord struct {
	Kind string
	Text string
	Pick int
}

func main() {
	filePath := flag.String("file", "cards.csv", "path to cards csv (kind,text,pick)")
	setName := flag.String("set", "", "card set name")
	slug := flag.String("slug", "", "optional card set slug")
	public := flag.Bool("public", true, "whether the set is publicly listed")
	flag.Parse()

	if *setName == "" {
		log.Fatal("card set name is required")
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}

	conn, err := db.Open()
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	records, err := readCards(*filePath)
	if err != nil {
		log.Fatalf("failed to read cards: %v", err)
	}

	set := db.CardSet{Name: *setName, IsPublic: *public}
	if *slug != "" {
		set.Slug = slug
	}
	if err := conn.FirstOrCreate(&set, db.CardSet{Name: *setName}).Error; err != nil {
		log.Fatalf("failed to upsert card set: %v", err)
	}

	blackCount := 0
	whiteCount := 0
	for _, record := range records {
		switch record.Kind {
		case "black":
			entry := db.BlackCard{CardSetID: set.ID, Text: record.Text, Pick: record.Pick}
			if err := conn.FirstOrCreate(&entry, db.BlackCard{CardSetID: set.ID, Text: record.Text}).Error; err != nil {
				log.Fatalf("failed to upsert black card: %v", err)
			}
			blackCount++
		case "white":
			entry := db.WhiteCard{CardSetID: set.ID, Text: record.Text}
			if err := conn.FirstOrCreate(&entry, db.WhiteCard{CardSetID: set.ID, Text: record.Text}).Error; err != nil {
				log.Fatalf("failed to upsert white card: %v", err)
			}
			whiteCount++
		}
	}

	log.Printf("loaded set %q black=%d white=%d", set.Name, blackCount, whiteCount)
}

func readCards(path string) ([]cardRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var records []cardRecord
	for i, row := range rows {
		if i == 0 || len(row) < 2 {
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(row[0]))
		text := strings.TrimSpace(row[1])
		if (kind != "black" && kind != "white") || text == "" {
			continue
		}
		pick := 1
		if kind == "black" && len(row) > 2 {
			if value, err := strconv.Atoi(strings.TrimSpace(row[2])); err == nil && value > 0 {
				pick = value
			}
		}
		records = append(records, cardRecord{Kind: kind, Text: text, Pick: pick})
	}
	return records, nil
}
