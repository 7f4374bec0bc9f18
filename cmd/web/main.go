// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/insole_scanner/internal/app"
	"github.com/relabs-tech/insole_scanner/internal/config"
)

func main() {
	configPath := flag.String("config", "./insole_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting insole-scanner web server (capture + session controller)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("Note: analysis requires the api server to be running (./api)")

	if err := app.RunWeb(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
