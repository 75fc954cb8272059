package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/batchyard/internal/config"
	"github.com/zulandar/batchyard/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			user:     "root",
			host:     "127.0.0.1",
			port:     3306,
			database: "batchyard",
			want:     "root@tcp(127.0.0.1:3306)/batchyard?parseTime=true",
		},
		{
			name:     "custom host and port",
			user:     "batch",
			host:     "10.0.0.5",
			port:     3307,
			database: "batchyard_prod",
			want:     "batch@tcp(10.0.0.5:3307)/batchyard_prod?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.user, tt.host, tt.port, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN("root", "localhost", 3306, "test")
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "oracle"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 9 {
		t.Errorf("len(AllModels()) = %d, want 9", got)
	}
}

func TestInit_SQLiteCreatesTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchyard.db")
	gdb, err := Init(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("first AutoMigrate: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestOpenSQLite_DefaultsApplied(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	cs := models.Changeset{Repo: "github.com/acme/api", CodeHostKind: "github", HeadRef: "batch/x"}
	if err := gdb.Create(&cs).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got models.Changeset
	if err := gdb.First(&got, cs.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ReconcilerState != models.ReconcilerStateQueued {
		t.Errorf("ReconcilerState = %q, want QUEUED", got.ReconcilerState)
	}
	if got.PublicationState != models.PublicationStateUnpublished {
		t.Errorf("PublicationState = %q, want UNPUBLISHED", got.PublicationState)
	}
}
