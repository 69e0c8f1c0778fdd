package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tazhate/ffdash/internal/clients/dashboard"
	"github.com/tazhate/ffdash/internal/mcptools"
)

const version = "1.4.0"

func main() {
	apiURL := os.Getenv("FFDASH_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:3001/api"
	}

	loc := time.UTC
	if name := os.Getenv("TIMEZONE"); name != "" {
		tz, err := time.LoadLocation(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid TIMEZONE: %v\n", err)
			os.Exit(1)
		}
		loc = tz
	}

	client := dashboard.NewClient(apiURL)
	client.SetBasicAuth(os.Getenv("FFDASH_API_USERNAME"), os.Getenv("FFDASH_API_PASSWORD"))

	s := server.NewMCPServer(
		"ffdash",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	mcptools.Register(s, client, loc)

	// stdout belongs to the protocol
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
