package database

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/capgw/capgw/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "capgw.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{
		"schema_migrations", "routing_rules", "as_instances",
		"invite_error_rules", "cdrs",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	// Verify all migrations are recorded.
	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Errorf("migration count = %d, want 1", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	// Open twice to verify migrations don't fail on re-run.
	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func intPtr(v int) *int { return &v }

func TestRebindPlaceholders(t *testing.T) {
	tests := []struct {
		dialect string
		query   string
		want    string
	}{
		{dialectSQLite, "SELECT * FROM cdrs WHERE call_id = ?", "SELECT * FROM cdrs WHERE call_id = ?"},
		{dialectPostgres, "SELECT * FROM cdrs WHERE call_id = ?", "SELECT * FROM cdrs WHERE call_id = $1"},
		{dialectPostgres, "INSERT INTO routing_rules (name, chain) VALUES (?, ?)", "INSERT INTO routing_rules (name, chain) VALUES ($1, $2)"},
		{dialectPostgres, "UPDATE cdrs SET outcome = ?, release_cause = ? WHERE id = ?", "UPDATE cdrs SET outcome = $1, release_cause = $2 WHERE id = $3"},
		{dialectPostgres, "SELECT COUNT(*) FROM schema_migrations", "SELECT COUNT(*) FROM schema_migrations"},
	}
	for _, tt := range tests {
		db := &DB{dialect: tt.dialect}
		if got := db.rebind(tt.query); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.dialect, tt.query, got, tt.want)
		}
	}
}

// Each dialect carries its own migration files. The versions must line up,
// and the PostgreSQL variant must not lean on SQLite-only DDL.
func TestMigrationDialectParity(t *testing.T) {
	versions := func(dialect string) []string {
		entries, err := fs.ReadDir(migrationsFS, "migrations/"+dialect)
		if err != nil {
			t.Fatalf("reading %s migrations: %v", dialect, err)
		}
		var out []string
		for _, e := range entries {
			out = append(out, e.Name())
		}
		return out
	}

	sq := versions(dialectSQLite)
	pg := versions(dialectPostgres)
	if len(sq) == 0 {
		t.Fatal("no sqlite migrations embedded")
	}
	if !reflect.DeepEqual(sq, pg) {
		t.Fatalf("migration versions differ: sqlite %v, postgres %v", sq, pg)
	}

	for _, name := range pg {
		content, err := migrationsFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			t.Fatalf("reading postgres migration %s: %v", name, err)
		}
		ddl := string(content)
		for _, forbidden := range []string{"AUTOINCREMENT", "datetime('now')", "DATETIME"} {
			if strings.Contains(ddl, forbidden) {
				t.Errorf("postgres migration %s contains SQLite-only %q", name, forbidden)
			}
		}
	}
}

func TestRoutingRuleRepository(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewRoutingRuleRepository(db)

	rules := []*models.RoutingRule{
		{Name: "premium", ServiceKeyMin: intPtr(100), ServiceKeyMax: intPtr(199), Chain: "premium-as", Priority: 10, Enabled: true},
		{Name: "default", Chain: "default-as", Priority: 20, Enabled: true},
		{Name: "retired", Chain: "old-as", Priority: 5, Enabled: false},
	}
	for _, rule := range rules {
		if err := repo.Create(ctx, rule); err != nil {
			t.Fatalf("Create(%s) error: %v", rule.Name, err)
		}
		if rule.ID == 0 {
			t.Errorf("Create(%s) did not set ID", rule.Name)
		}
	}

	enabled, err := repo.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() error: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("ListEnabled() returned %d rules, want 2", len(enabled))
	}
	if enabled[0].Name != "premium" || enabled[1].Name != "default" {
		t.Errorf("ListEnabled() order = [%s %s], want [premium default]",
			enabled[0].Name, enabled[1].Name)
	}

	if !enabled[0].Matches(150) {
		t.Error("premium rule should match service key 150")
	}
	if enabled[0].Matches(200) {
		t.Error("premium rule should not match service key 200")
	}
	if !enabled[1].Matches(999) {
		t.Error("open-range rule should match any service key")
	}

	got, err := repo.GetByID(ctx, rules[0].ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil || got.Chain != "premium-as" {
		t.Errorf("GetByID() = %+v, want premium-as chain", got)
	}

	got.Enabled = false
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	enabled, err = repo.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() after update error: %v", err)
	}
	if len(enabled) != 1 {
		t.Errorf("ListEnabled() after disable returned %d rules, want 1", len(enabled))
	}

	if err := repo.Delete(ctx, rules[1].ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	missing, err := repo.GetByID(ctx, rules[1].ID)
	if err != nil {
		t.Fatalf("GetByID() after delete error: %v", err)
	}
	if missing != nil {
		t.Error("GetByID() after delete should return nil")
	}
}

func TestASInstanceRepositoryChainOrder(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewASInstanceRepository(db)

	insts := []*models.ASInstance{
		{Name: "as-b", Chain: "main", Position: 2, Host: "10.0.0.2", Port: 5060, Transport: "udp", Enabled: true},
		{Name: "as-a", Chain: "main", Position: 1, Host: "10.0.0.1", Port: 5060, Transport: "udp", Enabled: true},
		{Name: "as-c", Chain: "main", Position: 3, Host: "10.0.0.3", Port: 5060, Transport: "tcp", Enabled: false},
		{Name: "other", Chain: "backup", Position: 1, Host: "10.0.1.1", Port: 5080, Transport: "udp", Enabled: true},
	}
	for _, inst := range insts {
		if err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create(%s) error: %v", inst.Name, err)
		}
	}

	chain, err := repo.ListByChain(ctx, "main")
	if err != nil {
		t.Fatalf("ListByChain() error: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("ListByChain(main) returned %d instances, want 2", len(chain))
	}
	if chain[0].Name != "as-a" || chain[1].Name != "as-b" {
		t.Errorf("ListByChain(main) order = [%s %s], want [as-a as-b]",
			chain[0].Name, chain[1].Name)
	}
}

func TestInviteErrorRuleMatching(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewInviteErrorRuleRepository(db)

	rules := []*models.InviteErrorRule{
		{Position: 1, StatusMin: intPtr(486), StatusMax: intPtr(486), Action: "release", Cause: intPtr(17), Enabled: true},
		{Position: 2, StatusMin: intPtr(500), StatusMax: intPtr(599), Action: "failover", Enabled: true},
		{Position: 3, Action: "continue", Enabled: true},
	}
	for _, rule := range rules {
		if err := repo.Create(ctx, rule); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	got, err := repo.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListEnabled() returned %d rules, want 3", len(got))
	}

	// First match wins: 486 hits the release rule before the catch-all.
	tests := []struct {
		status     int
		serviceKey int
		wantAction string
	}{
		{486, 10, "release"},
		{503, 10, "failover"},
		{404, 10, "continue"},
	}
	for _, tt := range tests {
		var action string
		for _, rule := range got {
			if rule.Matches(tt.status, tt.serviceKey) {
				action = rule.Action
				break
			}
		}
		if action != tt.wantAction {
			t.Errorf("status %d: action = %q, want %q", tt.status, action, tt.wantAction)
		}
	}
}

func TestCDRRepository(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewCDRRepository(db)

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cdr := &models.CDR{
		CallID:        "call-1",
		ServiceKey:    42,
		CallingNumber: "31201234567",
		CalledNumber:  "31612345678",
		ASName:        "as-a",
		StartTime:     start,
		Outcome:       "in-progress",
	}
	if err := repo.Create(ctx, cdr); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	end := start.Add(95 * time.Second)
	cdr.EndTime = &end
	cdr.Outcome = "released"
	cdr.ReleaseCause = intPtr(16)
	if err := repo.Update(ctx, cdr); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByCallID() returned nil")
	}
	if got.Outcome != "released" {
		t.Errorf("Outcome = %q, want released", got.Outcome)
	}
	if got.ReleaseCause == nil || *got.ReleaseCause != 16 {
		t.Errorf("ReleaseCause = %v, want 16", got.ReleaseCause)
	}
	if got.EndTime == nil {
		t.Error("EndTime not persisted")
	}

	list, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() returned %d cdrs, want 1", len(list))
	}

	missing, err := repo.GetByCallID(ctx, "no-such-call")
	if err != nil {
		t.Fatalf("GetByCallID(missing) error: %v", err)
	}
	if missing != nil {
		t.Error("GetByCallID(missing) should return nil")
	}
}
