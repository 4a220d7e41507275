// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command covaluenode runs the engine as a standalone service: it wires a
// LocalNode to the default cryptographic context, a BadgerDB storage
// backend, zero or more WebSocket peers, and a Prometheus metrics/health
// HTTP endpoint.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "covaluenode",
	Short: "Run a collaborative-data-engine node",
	Long:  "covaluenode syncs CoValues with peers over WebSocket and persists verified content to an embedded BadgerDB.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
