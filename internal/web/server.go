// Package web implements the HTTP + SSE API surface: instance lifecycle,
// the streamed query endpoint, fork/backup/restore, and the health and
// metrics endpoints. Adapted from the teacher's mux-plus-middleware
// server shape, serving JSON and SSE instead of HTML fragments.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dbforge/internal/apperr"
	"dbforge/internal/db"
	"dbforge/internal/dockerclient"
	"dbforge/internal/metrics"
	"dbforge/internal/models"
	"dbforge/internal/pool"
	"dbforge/internal/query"
	"dbforge/internal/registry"
	"dbforge/internal/snapshot"
)

type Server struct {
	repo   *db.Repository
	docker dockerclient.Client
	reg    *registry.Registry
	poolM  *pool.Manager
	qp     *query.Pipeline
	snap   *snapshot.Engine
	met    *metrics.Collector
	log    *slog.Logger
}

func NewServer(repo *db.Repository, docker dockerclient.Client, reg *registry.Registry, poolM *pool.Manager, qp *query.Pipeline, snap *snapshot.Engine, met *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{repo: repo, docker: docker, reg: reg, poolM: poolM, qp: qp, snap: snap, met: met, log: logger}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/db/new", s.handleCreate)
	mux.HandleFunc("/db/", s.handleDBSubroutes)
	mux.HandleFunc("/dialects", s.handleDialects)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.met.Handler())
	return logMiddleware(mux, s.log)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Dialect string `json:"dialect"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.DialectUnsupported, "malformed request body"))
		return
	}
	tag := models.Dialect(body.Dialect)
	if !tag.Valid() {
		writeError(w, apperr.New(apperr.DialectUnsupported, "unsupported dialect: "+body.Dialect))
		return
	}

	inst, err := s.reg.Create(r.Context(), s.docker, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	s.met.InstanceCreated(tag)
	writeJSON(w, http.StatusOK, map[string]any{
		"db_id": inst.ID, "dialect": inst.Dialect, "status": "ready",
	})
}

// handleDBSubroutes dispatches every /db/{id}[/...] route: the set is
// small enough that one path-split switch is clearer than a router dep.
func (s *Server) handleDBSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/db/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleDBRoot(w, r, id)
	case len(parts) == 2 && parts[1] == "query":
		s.handleQuery(w, r, id)
	case len(parts) == 2 && parts[1] == "fork":
		s.handleFork(w, r, id)
	case len(parts) == 2 && parts[1] == "backup":
		s.handleBackupCreate(w, r, id)
	case len(parts) == 2 && parts[1] == "size":
		s.handleSize(w, r, id)
	case len(parts) == 3 && parts[1] == "backup":
		s.handleBackupDownload(w, r, id, parts[2])
	case len(parts) == 3 && parts[1] == "restore":
		s.handleRestore(w, r, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDBRoot(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		inst, err := s.reg.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"db_id": inst.ID, "dialect": inst.Dialect, "status": externalStatus(inst.State),
			"created_at": inst.CreatedAt, "last_activity": inst.LastActivityAt, "expires_at": inst.ExpiresAt,
		})
	case http.MethodDelete:
		inst, err := s.reg.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.reg.Destroy(r.Context(), s.docker, id); err != nil {
			writeError(w, err)
			return
		}
		s.met.InstanceDestroyed(inst.Dialect, "requested")
		writeJSON(w, http.StatusOK, map[string]any{"db_id": id, "status": "destroyed"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// externalStatus maps the internal state machine to the status string
// GET /db/{id} exposes to clients: Ready and Busy are both "running" from
// the outside, since admission serialization is an implementation detail.
func externalStatus(state models.InstanceState) string {
	switch state {
	case models.StateCreating:
		return "creating"
	case models.StateReady, models.StateBusy:
		return "running"
	case models.StateEvicting:
		return "destroying"
	default:
		return "destroyed"
	}
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db_id": inst.ID, "size_bytes": inst.SizeBytes, "read_only": inst.ReadOnly,
	})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	child, err := s.snap.Fork(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.met.InstanceCreated(child.Dialect)
	writeJSON(w, http.StatusOK, map[string]any{
		"db_id": child.ID, "forked_from": child.ForkedFrom, "dialect": child.Dialect, "status": "ready",
	})
}

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.snap.Backup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.met.Backup(rec.Dialect)
	writeJSON(w, http.StatusOK, map[string]any{
		"backup_id": rec.BackupID, "db_id": rec.DBID,
		"created_at": rec.CreatedAt, "expires_at": rec.ExpiresAt, "size_bytes": rec.SizeBytes,
	})
}

func (s *Server) handleBackupDownload(w http.ResponseWriter, r *http.Request, id, backupID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, body, err := s.snap.Download(r.Context(), backupID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.dump"`, backupID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, id, backupID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.snap.Restore(r.Context(), id, backupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"db_id": id, "backup_id": backupID, "status": "restored"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := query.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = query.FormatText
	}

	var body struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.QuerySyntaxError, "malformed request body"))
		return
	}

	inst, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.qp.Run(r.Context(), id, body.SQL)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "line", map[string]any{"text": fmt.Sprintf("connected to %s instance %s", inst.Dialect, id)})
	flusher.Flush()

	start := time.Now()
	outcome := "ok"
	for ev := range events {
		frameSSEEvent(w, ev, format)
		flusher.Flush()
		if ev.Kind == models.EventError {
			outcome = ev.Code
		}
	}
	s.met.Query(inst.Dialect, outcome, time.Since(start))
}

// frameSSEEvent writes one event as an SSE frame. Text format renders
// record rows as human-readable strings (NULL spelled out); json/jsonl
// preserve *string row values so encoding/json emits a real null.
func frameSSEEvent(w http.ResponseWriter, ev models.Event, format query.Format) {
	switch ev.Kind {
	case models.EventLine:
		writeSSE(w, "line", map[string]any{"text": ev.Text})
	case models.EventRecord:
		if format == query.FormatText {
			writeSSE(w, "record", map[string]any{"columns": ev.Columns, "row": dereferenceRow(ev.Row)})
		} else {
			writeSSE(w, "record", map[string]any{"columns": ev.Columns, "row": ev.Row})
		}
	case models.EventError:
		writeSSE(w, "error", map[string]any{"code": ev.Code, "message": ev.Message, "detail": ev.Detail})
	case models.EventDone:
		writeSSE(w, "done", map[string]any{"elapsed_ms": ev.ElapsedMS})
	}
}

func dereferenceRow(row []*string) []string {
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

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func (s *Server) handleDialects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses := pool.Statuses(s.poolM)
	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, map[string]any{"dialect": st.Dialect, "warm": st.Warm})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dialects": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dockerStatus := "ok"
	pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.docker.Ping(pingCtx); err != nil {
		dockerStatus = "error"
	}

	metadataStatus := "ok"
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		metadataStatus = "error"
	}

	status := "ok"
	if dockerStatus != "ok" || metadataStatus != "ok" {
		status = "degraded"
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "docker": dockerStatus, "metadata": metadataStatus})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusOf(err), map[string]any{
		"code": apperr.CodeOf(err), "message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

