package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/internal/runtime/config"
	"github.com/drblury/procbus/internal/runtime/logging"
)

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PubSubSystem:  "channel",
		SubjectPrefix: "billing",
		Database: config.DatabaseConfig{
			Driver:      "sqlite3",
			URL:         filepath.Join(t.TempDir(), "procbus.db"),
			AutoMigrate: true,
		},
	}
}

func newTestService(t *testing.T, conf *config.Config, deps Dependencies) *Service {
	t.Helper()
	svc, err := New(context.Background(), conf, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}
