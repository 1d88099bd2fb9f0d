// Package httpapi wires the REST surface of spec.md §6 to
// internal/repository, internal/bundle and internal/subscription, using
// gorilla/mux the same way the teacher's core/backend registers routes
// (backend.go's b.router) while treating authentication as an external
// collaborator via internal/access, itself adapted from core/access.
// HTTP framing is not a modeled component (spec.md §1 Non-goals); this
// package only exists to exercise C7-C13 end to end.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/fhirstore/internal/access"
	"github.com/relabs-tech/fhirstore/internal/bundle"
	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
	"github.com/relabs-tech/fhirstore/internal/repository"
	"github.com/relabs-tech/fhirstore/internal/rlog"
	"github.com/relabs-tech/fhirstore/internal/subscription"
)

// Repository is the subset of internal/repository.Repository the HTTP
// layer drives directly (bundle.Repository covers the write/read paths
// bundle processing needs; Search/History/Everything are HTTP-only).
type Repository interface {
	bundle.Repository
	ReadVersion(ctx context.Context, kind string, id, versionID uuid.UUID) (fhirschema.Resource, error)
	ReadHistory(ctx context.Context, kind string, id uuid.UUID, count int) ([]repository.HistoryEntry, error)
	ReadTypeHistory(ctx context.Context, kind string, count int) ([]repository.HistoryEntry, error)
	Search(ctx context.Context, kind string, projectID uuid.UUID, req *queryparse.Request) (*repository.SearchResult, error)
	ConditionalDelete(ctx context.Context, kind string, projectID uuid.UUID, req *queryparse.Request) (int, error)
	Everything(ctx context.Context, kind string, id uuid.UUID, projectID uuid.UUID, compartmentKinds []string) (fhirschema.Resource, []fhirschema.Resource, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires every REST route to a Repository and the subscription
// engine's session manager.
type Server struct {
	router   *mux.Router
	repo     Repository
	sessions *subscription.Manager
	kinds    []string // registered resource kinds, for router setup
}

// New builds a Server and registers every route (spec.md §6).
func New(repo Repository, sessions *subscription.Manager, kinds []string) *Server {
	s := &Server{router: mux.NewRouter(), repo: repo, sessions: sessions, kinds: kinds}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/subscriptions/ws", s.handleSubscriptionSocket).Methods("GET")
	s.router.HandleFunc("/", s.handleBundle).Methods("POST")

	for _, kind := range s.kinds {
		kind := kind
		base := "/" + kind
		s.router.HandleFunc(base, s.handleCreate(kind)).Methods("POST")
		s.router.HandleFunc(base, s.handleSearch(kind)).Methods("GET")
		s.router.HandleFunc(base, s.handleConditionalUpdateOrDelete(kind)).Methods("PUT", "DELETE")
		s.router.HandleFunc(base+"/_search", s.handleSearch(kind)).Methods("POST")
		s.router.HandleFunc(base+"/_history", s.handleTypeHistory(kind)).Methods("GET")
		s.router.HandleFunc(base+"/{id}", s.handleRead(kind)).Methods("GET")
		s.router.HandleFunc(base+"/{id}", s.handleUpdate(kind)).Methods("PUT")
		s.router.HandleFunc(base+"/{id}", s.handleDelete(kind)).Methods("DELETE")
		s.router.HandleFunc(base+"/{id}/_history", s.handleHistory(kind)).Methods("GET")
		s.router.HandleFunc(base+"/{id}/_history/{vid}", s.handleReadVersion(kind)).Methods("GET")
		s.router.HandleFunc(base+"/{id}/$everything", s.handleEverything(kind)).Methods("GET")
	}
}

func (s *Server) handleCreate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource, err := decodeResource(r)
		if err != nil {
			writeOutcome(w, outcome.Wrap(outcome.KindInvariantViolation, "invalid resource body", err))
			return
		}
		projectID := access.ProjectID(r.Context())
		if ifNoneExist := r.Header.Get("If-None-Exist"); ifNoneExist != "" {
			req, err := queryparse.Parse(parseRawQuery(ifNoneExist))
			if err != nil {
				writeOutcome(w, outcome.Wrap(outcome.KindInvalidParameter, "invalid If-None-Exist query", err))
				return
			}
			res, created, err := s.repo.ConditionalCreate(r.Context(), kind, resource, projectID, req)
			if err != nil {
				writeOutcome(w, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			writeResource(w, status, kind, res)
			return
		}
		res, err := s.repo.Create(r.Context(), kind, resource, uuid.Nil, projectID)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeResource(w, http.StatusCreated, kind, res)
	}
}

func (s *Server) handleRead(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		res, err := s.repo.Read(r.Context(), kind, id)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		etag := weakETag(res.VersionID())
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeResource(w, http.StatusOK, kind, res)
	}
}

func (s *Server) handleUpdate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		resource, err := decodeResource(r)
		if err != nil {
			writeOutcome(w, outcome.Wrap(outcome.KindInvariantViolation, "invalid resource body", err))
			return
		}
		resource.SetID(id)

		var expected *uuid.UUID
		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
			v, ok := parseWeakETag(ifMatch)
			if !ok {
				writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "malformed If-Match header"))
				return
			}
			expected = &v
		}

		projectID := access.ProjectID(r.Context())
		res, err := s.repo.Update(r.Context(), kind, resource, projectID, expected)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeResource(w, http.StatusOK, kind, res)
	}
}

func (s *Server) handleConditionalUpdateOrDelete(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := queryparse.Parse(r.URL.Query())
		if err != nil {
			writeOutcome(w, outcome.Wrap(outcome.KindInvalidParameter, "invalid query", err))
			return
		}
		projectID := access.ProjectID(r.Context())
		switch r.Method {
		case "PUT":
			resource, err := decodeResource(r)
			if err != nil {
				writeOutcome(w, outcome.Wrap(outcome.KindInvariantViolation, "invalid resource body", err))
				return
			}
			res, created, err := s.repo.ConditionalUpdate(r.Context(), kind, resource, projectID, req)
			if err != nil {
				writeOutcome(w, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			writeResource(w, status, kind, res)
		case "DELETE":
			count, err := s.repo.ConditionalDelete(r.Context(), kind, projectID, req)
			if err != nil {
				writeOutcome(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": count})
		}
	}
}

func (s *Server) handleDelete(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		projectID := access.ProjectID(r.Context())
		if err := s.repo.Delete(r.Context(), kind, id, projectID); err != nil {
			writeOutcome(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"kind": "OperationOutcome", "issue": []interface{}{}})
	}
}

func (s *Server) handleReadVersion(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, err := uuid.Parse(vars["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		vid, err := uuid.Parse(vars["vid"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "vid is not a valid uuid"))
			return
		}
		res, err := s.repo.ReadVersion(r.Context(), kind, id, vid)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeResource(w, http.StatusOK, kind, res)
	}
}

func (s *Server) handleHistory(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		count := countParam(r)
		entries, err := s.repo.ReadHistory(r.Context(), kind, id, count)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeJSON(w, http.StatusOK, historyEnvelope(entries))
	}
}

func (s *Server) handleTypeHistory(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := countParam(r)
		entries, err := s.repo.ReadTypeHistory(r.Context(), kind, count)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeJSON(w, http.StatusOK, historyEnvelope(entries))
	}
}

func (s *Server) handleSearch(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := r.URL.Query()
		if r.Method == "POST" {
			if err := r.ParseForm(); err != nil {
				writeOutcome(w, outcome.Wrap(outcome.KindInvalidParameter, "invalid form body", err))
				return
			}
			values = r.PostForm
		}
		req, err := queryparse.Parse(values)
		if err != nil {
			writeOutcome(w, outcome.Wrap(outcome.KindInvalidParameter, "invalid search query", err))
			return
		}
		projectID := access.ProjectID(r.Context())
		result, err := s.repo.Search(r.Context(), kind, projectID, req)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		writeJSON(w, http.StatusOK, searchEnvelope(result))
	}
}

func (s *Server) handleEverything(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeOutcome(w, outcome.New(outcome.KindInvalidParameter, "id is not a valid uuid"))
			return
		}
		projectID := access.ProjectID(r.Context())
		anchor, members, err := s.repo.Everything(r.Context(), kind, id, projectID, s.kinds)
		if err != nil {
			writeOutcome(w, err)
			return
		}
		entries := []map[string]interface{}{{"resource": map[string]interface{}(anchor), "search": map[string]interface{}{"mode": "match"}}}
		for _, m := range members {
			entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(m), "search": map[string]interface{}{"mode": "include"}})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"type": "searchset", "entry": entries})
	}
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		Type  string `json:"type"`
		Entry []struct {
			FullURL  string                 `json:"fullUrl"`
			Resource map[string]interface{} `json:"resource"`
			Request  struct {
				Method      string `json:"method"`
				URL         string `json:"url"`
				IfNoneExist string `json:"ifNoneExist"`
				IfMatch     string `json:"ifMatch"`
			} `json:"request"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeOutcome(w, outcome.Wrap(outcome.KindInvariantViolation, "invalid bundle body", err))
		return
	}
	entries := make([]bundle.Entry, len(envelope.Entry))
	for i, e := range envelope.Entry {
		entries[i] = bundle.Entry{
			FullURL:     e.FullURL,
			Method:      e.Request.Method,
			URL:         e.Request.URL,
			IfNoneExist: e.Request.IfNoneExist,
			IfMatch:     e.Request.IfMatch,
			Resource:    fhirschema.Resource(e.Resource),
		}
	}
	projectID := access.ProjectID(r.Context())
	results := bundle.Process(r.Context(), s.repo, bundle.Type(envelope.Type), projectID, entries)
	if err := bundle.CombinedError(results); err != nil {
		rlog.Default().Warnf("bundle processing had failures: %v", err)
	}

	responseEntries := make([]map[string]interface{}, len(results))
	for i, res := range results {
		entry := map[string]interface{}{}
		if res.Err != nil {
			doc, status := outcome.ToDocument(res.Err)
			entry["response"] = map[string]interface{}{"status": strconv.Itoa(status)}
			entry["outcome"] = doc
		} else {
			entry["response"] = map[string]interface{}{"status": strconv.Itoa(res.Status), "location": res.Location}
			if res.Resource != nil {
				entry["resource"] = map[string]interface{}(res.Resource)
			}
		}
		responseEntries[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"type": responseBundleType(string(envelope.Type)), "entry": responseEntries})
}

func (s *Server) handleSubscriptionSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Default().Warnf("websocket upgrade failed: %v", err)
		return
	}
	s.sessions.Accept(conn)
}

func responseBundleType(reqType string) string {
	if reqType == string(bundle.TypeTransaction) {
		return "transaction-response"
	}
	return "batch-response"
}

func decodeResource(r *http.Request) (fhirschema.Resource, error) {
	var res fhirschema.Resource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func weakETag(versionID uuid.UUID) string {
	return fmt.Sprintf(`W/"%s"`, versionID.String())
}

func parseWeakETag(header string) (uuid.UUID, bool) {
	s := strings.TrimPrefix(header, "W/")
	s = strings.Trim(s, `"`)
	id, err := uuid.Parse(s)
	return id, err == nil
}

func countParam(r *http.Request) int {
	if s := r.URL.Query().Get("_count"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 20
}

func parseRawQuery(raw string) map[string][]string {
	out := map[string][]string{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		out[kv[0]] = append(out[kv[0]], val)
	}
	return out
}

func writeResource(w http.ResponseWriter, status int, kind string, res fhirschema.Resource) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("ETag", weakETag(res.VersionID()))
	w.Header().Set("Last-Modified", res.LastUpdated().Format(time.RFC1123))
	w.Header().Set("Location", fmt.Sprintf("%s/%s/_history/%s", kind, res.ID(), res.VersionID()))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}(res))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOutcome(w http.ResponseWriter, err error) {
	doc, status := outcome.ToDocument(err)
	writeJSON(w, status, doc)
}

func historyEnvelope(entries []repository.HistoryEntry) map[string]interface{} {
	items := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		item := map[string]interface{}{
			"request":  map[string]interface{}{"method": e.Method},
			"response": map[string]interface{}{"status": "200", "etag": weakETag(e.VersionID), "lastModified": e.LastUpdated.Format(time.RFC3339Nano)},
		}
		if !e.Deleted && e.Resource != nil {
			item["resource"] = map[string]interface{}(e.Resource)
		}
		items[i] = item
	}
	return map[string]interface{}{"type": "history", "total": len(entries), "entry": items}
}

func searchEnvelope(result *repository.SearchResult) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(result.Resources)+len(result.Included))
	for _, r := range result.Resources {
		entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(r), "search": map[string]interface{}{"mode": "match"}})
	}
	for _, f := range result.Included {
		entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(f.Resource), "search": map[string]interface{}{"mode": "include"}})
	}
	env := map[string]interface{}{"type": "searchset", "entry": entries}
	if result.Total != nil {
		env["total"] = *result.Total
	}
	return env
}
