package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/device"
	"github.com/rafaelmp/webtext/internal/logging"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8425", "server base URL")
		username  = flag.String("username", "", "account username")
		password  = flag.String("password", "", "account password (or WEBTEXT_PASSWORD)")
		deviceID  = flag.String("device", "", "stable device identifier")
		dbPath    = flag.String("db", "", "agent database path")
		batchSize = flag.Int("batch-size", device.DefaultBatchSize, "messages per full-sync batch")
		syncevery = flag.Duration("sync-interval", 30*time.Second, "incremental sync interval")
		pollEvery = flag.Duration("poll-interval", 5*time.Second, "queue poll interval")
	)
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("WEBTEXT_PASSWORD")
	}
	if *username == "" || *password == "" || *deviceID == "" {
		fmt.Fprintln(os.Stderr, "error: -username, -password, and -device are required")
		os.Exit(1)
	}

	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".webtext-agent")
	if *dbPath == "" {
		*dbPath = filepath.Join(dataDir, "agent.db")
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(filepath.Join(dataDir, "logs", "agent.log"), "webtext-agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	local, err := device.OpenLocal(*dbPath)
	if err != nil {
		logger.Fatal("failed to open agent database", zap.Error(err))
	}
	defer local.Close()

	b := bus.New()
	go logStageChanges(b, logger)

	agent := device.NewAgent(device.AgentConfig{
		ServerURL:      *serverURL,
		Username:       *username,
		Password:       *password,
		DeviceID:       *deviceID,
		BatchSize:      *batchSize,
		SyncInterval:   *syncevery,
		PickupInterval: *pollEvery,
	}, local, b, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("agent exited", zap.Error(err))
	}
}

func logStageChanges(b *bus.Bus, logger *zap.Logger) {
	ch, unsub := b.Subscribe("agent.", 16)
	defer unsub()
	for evt := range ch {
		change, ok := evt.Payload.(device.StageChange)
		if !ok {
			continue
		}
		if change.Total > 0 {
			logger.Info("stage changed",
				zap.String("stage", string(change.To)),
				zap.Int("batch", change.Batch),
				zap.Int("total", change.Total))
			continue
		}
		logger.Info("stage changed", zap.String("stage", string(change.To)))
	}
}
