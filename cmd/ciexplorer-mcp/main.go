package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/logging"
	"github.com/rmax-ai/ciexplorer/pkg/mcp"
)

func main() {
	backend := os.Getenv("CIEXPLORER_BACKEND_URL")
	if backend == "" {
		backend = "http://127.0.0.1:4000"
	}
	relationsPath := os.Getenv("CIEXPLORER_RELATIONS_PATH")
	if relationsPath == "" {
		relationsPath = client.DefaultRelationsPath
	}

	fs := flag.NewFlagSet("ciexplorer-mcp", flag.ExitOnError)
	flagBackend := fs.String("backend", backend, "CMDB REST base URL")
	flagPath := fs.String("relations-path", relationsPath, "relationship query endpoint path")
	flagToken := fs.String("backend-token", os.Getenv("CIEXPLORER_BACKEND_TOKEN"), "bearer token sent to the CMDB")
	flagTimeout := fs.Duration("fetch-timeout", 10*time.Second, "per-attempt CMDB request timeout")
	flagLogLevel := fs.String("log-level", "warn", "debug|info|warn|error")
	fs.Parse(os.Args[1:])

	// stdout carries the protocol; zap writes to stderr.
	logger, err := logging.New(*flagLogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	c := client.NewClient(*flagBackend,
		client.WithToken(*flagToken),
		client.WithRelationsPath(*flagPath),
		client.WithTimeout(*flagTimeout),
		client.WithLogger(logger.Named("client")),
	)
	exp := explorer.New(c, graph.New(logger.Named("graph")), logger.Named("explorer"))

	logger.Info("mcp_server_starting", zap.String("backend", *flagBackend))
	if err := mcp.NewServer(exp, logger.Named("mcp")).Serve(); err != nil {
		logger.Error("mcp_server_failed", zap.Error(err))
		os.Exit(1)
	}
}
