// Package main implements a mock assistant runtime speaking the profile
// control API over HTTP. It generates simulated turns and approvals for
// local development and end-to-end testing of the daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/pilotd/pilotd/internal/common/logger"
)

func main() {
	var (
		addr      = flag.String("addr", ":9777", "listen address")
		turnDelay = flag.Duration("turn-delay", 0, "artificial delay before a turn completes")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "text", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rt := newMockRuntime(*turnDelay)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	rt.mount(router.Group("/api/v1"))

	log.Info("mock profile runtime listening on " + *addr)
	if err := router.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
