package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sms-rental-ledger/internal/models"
)

func setupTestDb(t *testing.T) (*Service, func()) {
	t.Helper()

	cfg := models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 2,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  5 * time.Second,
	}

	service, err := NewService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	cleanup := func() {
		service.Close()
	}

	return service, cleanup
}

func TestNewService_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.DatabaseConfig
	}{
		{"empty path", models.DatabaseConfig{MaxOpenConns: 1, PingTimeout: time.Second}},
		{"zero open conns", models.DatabaseConfig{Path: "x.db", PingTimeout: time.Second}},
		{"negative idle conns", models.DatabaseConfig{Path: "x.db", MaxOpenConns: 1, MaxIdleConns: -1, PingTimeout: time.Second}},
		{"zero ping timeout", models.DatabaseConfig{Path: "x.db", MaxOpenConns: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(context.Background(), tt.cfg); err == nil {
				t.Errorf("Expected error for %s config", tt.name)
			}
		})
	}
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(models.DatabaseConfig{Path: "ledger.db", BusyTimeout: 2 * time.Second})
	expected := "ledger.db?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=on&_txlock=immediate&_busy_timeout=2000"
	if dsn != expected {
		t.Errorf("Expected DSN %s, got %s", expected, dsn)
	}
}

func TestFormatTime_SortsChronologically(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Hour).In(time.FixedZone("UTC+5", 5*3600)),
	}

	for i := 1; i < len(times); i++ {
		prev, cur := formatTime(times[i-1]), formatTime(times[i])
		if !(prev < cur) {
			t.Errorf("Expected %s < %s", prev, cur)
		}
	}

	parsed, err := parseTime(formatTime(times[3]))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(times[3]) {
		t.Errorf("Expected %v, got %v", times[3], parsed)
	}
}
