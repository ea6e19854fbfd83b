package dialect

import (
	"errors"
	"strings"
	"testing"
	"time"

	"dbforge/internal/models"
)

func testInstance() *models.Instance {
	id := "abcd1234-ef56-7890-abcd-1234567890ab"
	return &models.Instance{
		ID:        id,
		Dialect:   models.DialectMySQL,
		DBName:    models.DBNameFor(id),
		Username:  models.UsernameFor(id),
		Password:  "secret",
		State:     models.StateReady,
		CreatedAt: time.Now(),
	}
}

func TestGetKnownDialects(t *testing.T) {
	for _, tag := range []models.Dialect{models.DialectMySQL, models.DialectMSSQL} {
		a, err := Get(tag)
		if err != nil {
			t.Fatalf("Get(%s): %v", tag, err)
		}
		if a.Dialect() != tag {
			t.Errorf("adapter reports dialect %s, want %s", a.Dialect(), tag)
		}
	}
}

func TestGetUnsupportedDialect(t *testing.T) {
	if _, err := Get("postgres"); err == nil {
		t.Fatal("expected DIALECT_UNSUPPORTED for unregistered dialect")
	}
}

func TestNamesIncludesBothEngines(t *testing.T) {
	names := Names()
	seen := map[models.Dialect]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen[models.DialectMySQL] || !seen[models.DialectMSSQL] {
		t.Fatalf("Names() = %v, want both mysql and mssql", names)
	}
}

func TestMySQLQueryCommandIncludesCredentials(t *testing.T) {
	a, _ := Get(models.DialectMySQL)
	inst := testInstance()
	argv := a.QueryCommand(inst, "SELECT 1")

	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, inst.Username) || !strings.Contains(joined, inst.DBName) {
		t.Errorf("query command %v missing instance username/database", argv)
	}
}

func TestSplitTabularEmitsHeaderThenRecords(t *testing.T) {
	var got []models.Event
	r := strings.NewReader("id\tname\n1\tAlice\n2\tBob\n")
	splitTabular(r, func(e models.Event) { got = append(got, e) })

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != models.EventRecord || got[0].Columns[0] != "id" {
		t.Fatalf("first event = %+v", got[0])
	}
	if *got[0].Row[0] != "1" || *got[0].Row[1] != "Alice" {
		t.Fatalf("first row = %+v", got[0].Row)
	}
}

func TestSplitTabularHandlesNull(t *testing.T) {
	var got []models.Event
	r := strings.NewReader("id\tnick\n1\tNULL\n")
	splitTabular(r, func(e models.Event) { got = append(got, e) })

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Row[1] != nil {
		t.Errorf("NULL cell should map to a nil row value, got %q", *got[0].Row[1])
	}
}

func TestFoldStderrSuccessEmitsLines(t *testing.T) {
	var got []models.Event
	r := strings.NewReader("Query OK, 2 rows affected\n")
	exitCh := make(chan error, 1)
	exitCh <- nil
	foldStderr(r, exitCh, func(e models.Event) { got = append(got, e) })

	if len(got) != 1 || got[0].Kind != models.EventLine {
		t.Fatalf("got %+v, want one line event", got)
	}
}

func TestFoldStderrFailureEmitsError(t *testing.T) {
	var got []models.Event
	r := strings.NewReader("ERROR 1064 (42000): syntax error\n")
	exitCh := make(chan error, 1)
	exitCh <- errors.New("exit status 1")
	foldStderr(r, exitCh, func(e models.Event) { got = append(got, e) })

	if len(got) != 1 || got[0].Kind != models.EventError {
		t.Fatalf("got %+v, want one error event", got)
	}
	if got[0].Detail == "" {
		t.Error("expected error event to carry stderr detail")
	}
}
