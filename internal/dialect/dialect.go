// Package dialect implements the per-engine capability set: image
// reference, bootstrap SQL, CLI invocation, and output parsing. Each
// dialect is a closed module behind the Adapter interface; dispatch is by
// tag at the registry boundary.
package dialect

import (
	"bufio"
	"io"
	"strings"

	"dbforge/internal/apperr"
	"dbforge/internal/models"
)

// Adapter is the capability set a dialect must implement. There is exactly
// one Adapter per supported models.Dialect.
type Adapter interface {
	// Dialect returns the tag this adapter implements.
	Dialect() models.Dialect

	// ImageReference is the container image tag to pull for this dialect's
	// host containers.
	ImageReference() string

	// PoolContainerArgs returns the container environment and exposed port
	// needed to bring up an engine accepting logical-database bootstrap.
	PoolContainerArgs() PoolArgs

	// Bootstrap returns the SQL statements that create the instance's
	// database and scoped user. Must be idempotent on retry.
	Bootstrap(inst *models.Instance) []string

	// AdminCommand returns the argv that runs stmt authenticated as the
	// pool container's root/admin user, with no instance-scoped database
	// selected. Bootstrap and Drop statements create and remove the very
	// credentials QueryCommand would need, so they must run under this
	// instead.
	AdminCommand(stmt string) []string

	// QueryCommand returns the argv to run inside the host container via
	// exec, driving the dialect CLI against the instance's database.
	QueryCommand(inst *models.Instance, sql string) []string

	// ParseOutput turns the CLI's stdout/stderr into a lazy sequence of
	// events, normalizing the dialect's native tabular output. Reading
	// begins immediately so the caller can stream the exec's output
	// concurrently with the subprocess still running; exitCh receives
	// exactly one value, sent by the caller once the exec has returned,
	// before either stream is closed. The returned channel is closed
	// once both streams are exhausted.
	ParseOutput(stdout, stderr io.Reader, exitCh <-chan error) <-chan models.Event

	// DumpCommand returns the argv that produces a dialect-native backup
	// blob on stdout.
	DumpCommand(inst *models.Instance) []string

	// RestoreCommand returns the argv that consumes a dialect-native
	// backup blob on stdin.
	RestoreCommand(inst *models.Instance) []string

	// SizeProbe returns the SQL that yields the database's on-disk size
	// in bytes as the sole result column.
	SizeProbe(inst *models.Instance) string

	// Drop returns the SQL that removes the logical database and user.
	Drop(inst *models.Instance) []string
}

// PoolArgs is the environment and port a host container needs at startup.
type PoolArgs struct {
	Env          []string
	ExposedPort  string
	HealthQuery  []string // argv for a trivial SELECT-1-class probe
}

// Registry resolves a dialect tag to its Adapter.
var registry = map[models.Dialect]Adapter{}

func register(a Adapter) {
	registry[a.Dialect()] = a
}

// Get returns the Adapter for tag, or DIALECT_UNSUPPORTED.
func Get(tag models.Dialect) (Adapter, error) {
	a, ok := registry[tag]
	if !ok {
		return nil, apperr.New(apperr.DialectUnsupported, "unsupported dialect: "+string(tag))
	}
	return a, nil
}

// Names lists every registered dialect tag.
func Names() []models.Dialect {
	names := make([]models.Dialect, 0, len(registry))
	for tag := range registry {
		names = append(names, tag)
	}
	return names
}

// splitTabular is the shared parsing primitive for tab-separated CLI
// result-set output, as produced by both engines' batch/non-interactive
// modes: confirmations and notices go to stderr in this mode, so stdout
// carries only header-then-rows result-set data, one block per statement.
// A blank line ends the current block (multi-statement queries produce one
// block per SELECT); a cell containing exactly "NULL" maps to a nil row
// value.
func splitTabular(r io.Reader, emit func(models.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var columns []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			columns = nil
			continue
		}
		cells := strings.Split(line, "\t")
		if columns == nil {
			columns = cells
			continue
		}
		row := make([]*string, len(cells))
		for i, c := range cells {
			if c == "NULL" {
				row[i] = nil
				continue
			}
			v := c
			row[i] = &v
		}
		emit(models.Event{Kind: models.EventRecord, Columns: columns, Row: row})
	}
}

// foldStderr folds the CLI's stderr stream into line events on success, or
// a terminal error event if the process exited non-zero. It reads stderr
// to EOF first, then receives from exitCh: the caller sends the exec's
// result before closing the stderr pipe, so this receive never blocks.
func foldStderr(r io.Reader, exitCh <-chan error, emit func(models.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	exitErr := <-exitCh
	if exitErr == nil {
		for _, line := range lines {
			emit(models.Event{Kind: models.EventLine, Text: line})
		}
		return
	}

	detail := strings.Join(lines, "\n")
	emit(models.Event{
		Kind:    models.EventError,
		Code:    string(apperr.QuerySyntaxError),
		Message: exitErr.Error(),
		Detail:  detail,
	})
}
