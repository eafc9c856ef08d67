// Package main implements the admin HTTP API over the job store.
//
// API Endpoints:
//
//	POST   /enqueue                      push a job {"class","args","queue","in","at"}
//	POST   /enqueue/bulk                 push many jobs {"class","queue","args":[[...],...]}
//	GET    /stats                        store-wide counters
//	GET    /queues                       queues with size and latency
//	GET    /queues/{name}                jobs waiting on a queue (?offset=&limit=)
//	DELETE /queues/{name}                drop a queue
//	GET    /sets/{set}                   schedule, retry or dead entries (?offset=&limit=)
//	POST   /sets/{set}/retry-all         enqueue every entry of a set
//	POST   /sets/{set}/{jid}/retry       enqueue one entry now
//	POST   /sets/{set}/{jid}/kill        move one entry to the dead set
//	DELETE /sets/{set}/{jid}             delete one entry
//	GET    /processes                    live worker processes
//	POST   /processes/{identity}/quiet   ask a process to stop fetching
//	POST   /processes/{identity}/stop    ask a process to shut down
//
// Every request but CORS preflights needs the X-API-Key header when API_KEY
// is set. The server listens on HTTP_ADDR (default :8081).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/client"
	"github.com/sidekiq/sidekiq-sub000/pkg/config"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/logger"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

const defaultPageSize = 50

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key, X-Request-ID")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags every request with an id and logs its outcome.
func requestLogger(next http.HandlerFunc, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		rl := log.With().Str("request_id", id).Logger()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(rl.WithContext(r.Context())))
		rl.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}

type api struct {
	store  *queue.Client
	client *client.Client
	dead   *queue.DeadSet
}

// setupRouter configures the HTTP handlers: request logging, then CORS,
// then auth, then the route.
func setupRouter(store *queue.Client, cfg config.Config, apiKey string) http.Handler {
	a := &api{
		store:  store,
		client: client.New(store, client.Options{StrictArgs: cfg.StrictArgs}),
		dead:   store.DeadSet(cfg.DeadMaxJobs, cfg.DeadTimeout),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", a.enqueue)
	mux.HandleFunc("POST /enqueue/bulk", a.enqueueBulk)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /queues", a.queues)
	mux.HandleFunc("GET /queues/{name}", a.queueEntries)
	mux.HandleFunc("DELETE /queues/{name}", a.clearQueue)
	mux.HandleFunc("GET /sets/{set}", a.setEntries)
	mux.HandleFunc("POST /sets/{set}/retry-all", a.retryAll)
	mux.HandleFunc("POST /sets/{set}/{jid}/retry", a.setAction((*queue.SortedSet).RetryNow))
	mux.HandleFunc("POST /sets/{set}/{jid}/kill", a.setAction((*queue.SortedSet).Kill))
	mux.HandleFunc("DELETE /sets/{set}/{jid}", a.setAction((*queue.SortedSet).Delete))
	mux.HandleFunc("GET /processes", a.processes)
	mux.HandleFunc("POST /processes/{identity}/quiet", a.signal((*queue.ProcessSet).Quiet))
	mux.HandleFunc("POST /processes/{identity}/stop", a.signal((*queue.ProcessSet).Stop))

	return requestLogger(enableCORS(authMiddleware(mux.ServeHTTP, apiKey)), *store.Log())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func page(r *http.Request) (offset, limit int64) {
	offset, _ = strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	limit, _ = strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultPageSize
	}
	return offset, limit
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class string  `json:"class"`
		Args  []any   `json:"args"`
		Queue string  `json:"queue"`
		Retry any     `json:"retry"`
		In    float64 `json:"in"`
		At    float64 `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	rec := &job.Record{Class: req.Class, Args: req.Args, Queue: req.Queue, Retry: req.Retry}

	var (
		jid string
		err error
	)
	switch {
	case req.At > 0:
		jid, err = a.client.PushAt(r.Context(), job.Time(req.At), rec)
	case req.In > 0:
		jid, err = a.client.PushIn(r.Context(), time.Duration(req.In*float64(time.Second)), rec)
	default:
		jid, err = a.client.Push(r.Context(), rec)
	}
	if errors.Is(err, job.ErrInvalidJob) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jid": jid})
}

func (a *api) enqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class string  `json:"class"`
		Queue string  `json:"queue"`
		Args  [][]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	jids, err := a.client.PushBulk(r.Context(), client.Bulk{Class: req.Class, Queue: req.Queue, Args: req.Args})
	if errors.Is(err, job.ErrInvalidJob) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("pushed", len(jids)).Msg("Bulk push incomplete")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"jids": jids, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jids": jids})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.store.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type queueInfo struct {
	Name    string  `json:"name"`
	Size    int64   `json:"size"`
	Latency float64 `json:"latency"`
}

func (a *api) queues(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.Queues(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]queueInfo, 0, len(names))
	for _, name := range names {
		q := a.store.Queue(name)
		size, err := q.Size(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		latency, err := q.Latency(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = append(out, queueInfo{Name: name, Size: size, Latency: latency})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) queueEntries(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	entries, err := a.store.Queue(r.PathValue("name")).Entries(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Queue(r.PathValue("name")).Clear(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) sortedSet(name string) *queue.SortedSet {
	switch name {
	case "schedule", "scheduled":
		return a.store.ScheduledSet()
	case "retry":
		return a.store.RetrySet()
	case "dead":
		return &a.dead.SortedSet
	}
	return nil
}

func (a *api) setEntries(w http.ResponseWriter, r *http.Request) {
	set := a.sortedSet(r.PathValue("set"))
	if set == nil {
		http.NotFound(w, r)
		return
	}
	offset, limit := page(r)
	entries, err := set.Entries(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) retryAll(w http.ResponseWriter, r *http.Request) {
	set := a.sortedSet(r.PathValue("set"))
	if set == nil {
		http.NotFound(w, r)
		return
	}
	n, err := set.RetryAll(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// setAction applies action to the entry named by jid. The entry is looked
// up first and then removed by score and jid, so an entry that moved in
// between yields 404.
func (a *api) setAction(action func(set *queue.SortedSet, ctx context.Context, score float64, jid string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := a.sortedSet(r.PathValue("set"))
		if set == nil {
			http.NotFound(w, r)
			return
		}
		jid := r.PathValue("jid")
		e, err := set.Find(r.Context(), jid)
		if err == nil {
			err = action(set, r.Context(), e.Score, jid)
		}
		if errors.Is(err, queue.ErrEntryNotFound) {
			writeError(w, r, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) processes(w http.ResponseWriter, r *http.Request) {
	procs, err := a.store.Processes().List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

func (a *api) signal(send func(p *queue.ProcessSet, ctx context.Context, identity string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := send(a.store.Processes(), r.Context(), r.PathValue("identity")); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("WORKQ_CONFIG"))
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.Log

	store, err := queue.New(queue.Options{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.PoolSize(),
		Logger:   &log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create redis client")
	}
	defer store.Close()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{Addr: addr, Handler: setupRouter(store, cfg, apiKey)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
