package logging

import (
	"context"
	"testing"
	"time"

	"spottrader/pkg/telemetry"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger", "test", true)
	if err != nil {
		t.Fatalf("OTel setup failed: %v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	logger.Info("Test OTel bridging", "key", "value")

	// Wait a bit for OTel batching (if any)
	time.Sleep(500 * time.Millisecond)

	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // stdout sync may fail in some envs, ignore
}

func TestZapLogger_WithFields(t *testing.T) {
	logger, err := NewZapLogger("INFO")
	if err != nil {
		t.Fatalf("logger creation failed: %v", err)
	}

	child := logger.WithField("symbol", "BTCUSDT")
	child.Info("scoped entry", "price", "50000")

	grandchild := child.WithFields(map[string]interface{}{
		"side":     "BUY",
		"quantity": "0.5",
	})
	grandchild.Warn("nested scoped entry")
}
