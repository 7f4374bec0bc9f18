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

	log.Println("starting insole-scanner single scan (camera → analysis → session)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunScan(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
