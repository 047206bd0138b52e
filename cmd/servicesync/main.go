package main

import (
	"log"

	"github.com/MrSnakeDoc/servicesync/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ servicesync failed to start: %v", err)
	}
}
