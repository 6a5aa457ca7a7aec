package main

import (
	"log"

	"settletrack/services/sandboxd"
)

func main() {
	if err := sandboxd.Main(); err != nil {
		log.Fatalf("sandboxd: %v", err)
	}
}
