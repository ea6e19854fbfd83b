// Package query implements the Query Pipeline: given an instance and a
// SQL payload, it runs the dialect CLI inside the instance's host
// container and streams back a lazy sequence of events, enforcing the
// query timeout and the database size ceiling.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"dbforge/internal/apperr"
	"dbforge/internal/dialect"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/registry"
)

// Format selects how the event sequence is rendered to the caller.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// sizeProbeEvery samples the database's on-disk size at most once every
// N queries, per instance, rather than on every query.
const sizeProbeEvery = 20

// Pipeline wires the registry, pool-acquired host containers, and
// dialect adapters together to execute one query end to end.
type Pipeline struct {
	reg          *registry.Registry
	docker       dockerclient.Client
	queryTimeout time.Duration
	maxSizeBytes int64
	log          *slog.Logger

	// probeMu guards probeCounts, which is incremented from one
	// per-query goroutine per instance; BeginQuery only serializes
	// queries against the SAME instance, so concurrent queries against
	// different instances reach maybeProbeSize concurrently.
	probeMu     sync.Mutex
	probeCounts map[string]int
}

func New(reg *registry.Registry, docker dockerclient.Client, queryTimeout time.Duration, maxDBSizeMB int64, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		reg:          reg,
		docker:       docker,
		queryTimeout: queryTimeout,
		maxSizeBytes: maxDBSizeMB * 1024 * 1024,
		log:          logger,
		probeCounts:  make(map[string]int),
	}
}

// Run executes sql against id and streams events on the returned
// channel, which is closed once the query (including the terminal
// "done" event) is fully drained. Callers MUST NOT assume the channel
// buffers the whole result set; consume it as it arrives.
func (p *Pipeline) Run(ctx context.Context, id, sql string) (<-chan models.Event, error) {
	inst, err := p.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.ReadOnly && isMutating(sql) {
		return nil, apperr.New(apperr.DBSizeExceeded, "database over size limit; read-only")
	}

	adapter, err := dialect.Get(inst.Dialect)
	if err != nil {
		return nil, err
	}
	host, err := p.reg.Host(id)
	if err != nil {
		return nil, err
	}

	if err := p.reg.BeginQuery(ctx, id); err != nil {
		return nil, err
	}

	out := make(chan models.Event, 16)
	go p.execute(ctx, &inst, adapter, host.ContainerID, sql, out)
	return out, nil
}

func (p *Pipeline) execute(parent context.Context, inst *models.Instance, adapter dialect.Adapter, containerID, sql string, out chan<- models.Event) {
	start := time.Now()
	defer close(out)
	defer p.reg.EndQuery(inst.ID)

	ctx, cancel := context.WithTimeout(parent, p.queryTimeout)
	defer cancel()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	// exitCh and execDone both receive the exec result: exitCh feeds the
	// dialect parser's stderr-folding decision, execDone is read here to
	// surface a daemon-layer error that isn't a CLI-level failure.
	exitCh := make(chan error, 1)
	execDone := make(chan error, 1)
	go func() {
		argv := adapter.QueryCommand(inst, sql)
		err := p.docker.ExecInContainer(ctx, containerID, argv, nil, stdoutW, stderrW)
		exitCh <- err
		stdoutW.Close()
		stderrW.Close()
		execDone <- err
	}()

	events := adapter.ParseOutput(stdoutR, stderrR, exitCh)
	timedOut := false
	sawError := false
	done := ctx.Done()

drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			if ev.Kind == models.EventError {
				sawError = true
			}
			out <- ev
		case <-done:
			timedOut = true
			done = nil // fire once; keep draining events until the exec goroutine closes the pipes
			p.killInContainer(parent, containerID, adapter)
		}
	}

	execErr := <-execDone
	if timedOut {
		out <- models.Event{Kind: models.EventError, Code: string(apperr.QueryTimeout), Message: "query exceeded timeout"}
	} else if execErr != nil && !sawError {
		// A non-zero CLI exit is already folded into a terminal error
		// event by ParseOutput via its exitErr argument; only a daemon
		// or transport failure that never reached the parser surfaces
		// here.
		out <- models.Event{Kind: models.EventError, Code: string(apperr.Internal), Message: execErr.Error()}
	}

	out <- models.Event{Kind: models.EventDone, ElapsedMS: time.Since(start).Milliseconds()}

	if !timedOut {
		p.maybeProbeSize(parent, inst, adapter, containerID)
	}
	if err := p.reg.Touch(parent, inst.ID); err != nil {
		p.log.Warn("touch after query failed", "instance", inst.ID, "err", err)
	}
}

// killInContainer best-effort terminates the CLI process that is still
// running past the deadline: a polite signal first, then a kill, mirroring
// SIGTERM-then-SIGKILL for a subprocess we don't own a *os.Process handle for.
func (p *Pipeline) killInContainer(ctx context.Context, containerID string, adapter dialect.Adapter) {
	bin := adapter.QueryCommand(&models.Instance{}, "")[0]
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.docker.ExecInContainer(killCtx, containerID, []string{"pkill", "-TERM", "-f", bin}, nil, nil, nil); err != nil {
		p.log.Warn("sigterm on timed-out query failed", "container", containerID, "err", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := p.docker.ExecInContainer(killCtx, containerID, []string{"pkill", "-KILL", "-f", bin}, nil, nil, nil); err != nil {
		p.log.Warn("sigkill on timed-out query failed", "container", containerID, "err", err)
	}
}

func (p *Pipeline) maybeProbeSize(ctx context.Context, inst *models.Instance, adapter dialect.Adapter, containerID string) {
	p.probeMu.Lock()
	p.probeCounts[inst.ID]++
	count := p.probeCounts[inst.ID]
	p.probeMu.Unlock()
	if count%sizeProbeEvery != 1 {
		return
	}

	var buf strings.Builder
	argv := adapter.QueryCommand(inst, adapter.SizeProbe(inst))
	if err := p.docker.ExecInContainer(ctx, containerID, argv, nil, &writerFunc{&buf}, nil); err != nil {
		p.log.Warn("size probe exec failed", "instance", inst.ID, "err", err)
		return
	}

	size, err := parseSizeOutput(buf.String())
	if err != nil {
		p.log.Warn("size probe parse failed", "instance", inst.ID, "err", err)
		return
	}

	if size > p.maxSizeBytes {
		if err := p.reg.MarkReadOnly(ctx, inst.ID, size); err != nil {
			p.log.Warn("mark read-only failed", "instance", inst.ID, "err", err)
		}
		return
	}
	if err := p.reg.UpdateSize(ctx, inst.ID, size); err != nil {
		p.log.Warn("update size failed", "instance", inst.ID, "err", err)
	}
}

func parseSizeOutput(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("size probe: empty output")
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	fields := strings.Fields(last)
	if len(fields) == 0 {
		return 0, fmt.Errorf("size probe: no fields in output line %q", last)
	}
	return strconv.ParseInt(fields[len(fields)-1], 10, 64)
}

// writerFunc adapts a *strings.Builder to io.Writer without pulling in
// bytes.Buffer for a single accumulation site.
type writerFunc struct{ b *strings.Builder }

func (w *writerFunc) Write(p []byte) (int, error) { return w.b.Write(p) }

var mutatingVerbs = []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "TRUNCATE", "REPLACE", "MERGE"}

func isMutating(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	for _, verb := range mutatingVerbs {
		if strings.HasPrefix(upper, verb) {
			return true
		}
	}
	return false
}

// Collect drains a channel of events into the requested output Format.
// FormatText passes line/record text through unchanged; FormatJSON
// aggregates one statement's records into a single document (this is
// the one mode that necessarily buffers); FormatJSONL emits one JSON
// object per event.
func Collect(events <-chan models.Event, format Format, w io.Writer) error {
	enc := json.NewEncoder(w)
	switch format {
	case FormatJSON:
		return collectJSON(events, enc)
	case FormatJSONL:
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	default:
		for ev := range events {
			switch ev.Kind {
			case models.EventLine:
				fmt.Fprintln(w, ev.Text)
			case models.EventRecord:
				fmt.Fprintln(w, strings.Join(dereference(ev.Row), "\t"))
			case models.EventError:
				fmt.Fprintf(w, "ERROR %s: %s\n", ev.Code, ev.Message)
			}
		}
		return nil
	}
}

func collectJSON(events <-chan models.Event, enc *json.Encoder) error {
	var columns []string
	var rows [][]*string
	for ev := range events {
		switch ev.Kind {
		case models.EventRecord:
			columns = ev.Columns
			rows = append(rows, ev.Row)
		case models.EventError:
			return enc.Encode(ev)
		}
	}
	return enc.Encode(struct {
		Columns []string    `json:"columns"`
		Rows    [][]*string `json:"rows"`
	}{columns, rows})
}

func dereference(row []*string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			out[i] = "NULL"
			continue
		}
		out[i] = *v
	}
	return out
}
