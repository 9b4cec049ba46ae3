// Package rest exposes the engine's public HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spear-bpm/spear/internal/config"
	"github.com/spear-bpm/spear/pkg/bpmn"
	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
)

type Server struct {
	engine *bpmn.Engine
	logger hclog.Logger
	server *http.Server
}

func NewServer(engine *bpmn.Engine, conf config.Config, logger hclog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		engine: engine,
		logger: logger.Named("rest"),
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/definitions", s.deployDefinition)
		r.Get("/definitions", s.listDefinitions)
		r.Get("/definitions/{key}", s.getDefinition)
		r.Delete("/definitions/{processId}", s.retireDefinition)

		r.Post("/instances", s.startInstance)
		r.Get("/instances", s.listInstances)
		r.Get("/instances/{id}", s.getInstance)
		r.Delete("/instances/{id}", s.stopInstance)
		r.Post("/instances/{id}/errors", s.throwError)
		r.Get("/instances/{id}/audit", s.auditTrail)
		r.Put("/instances/{id}/variables/{name}", s.setVariable)
		r.Get("/instances/{id}/variables/{name}", s.getVariable)

		r.Post("/messages", s.sendMessage)
		r.Post("/signals", s.broadcastSignal)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks/{id}/claim", s.claimTask)
		r.Post("/tasks/{id}/complete", s.completeTask)

		r.Get("/topics", s.listTopics)
		r.Get("/topics/{name}", s.getTopic)
		r.Put("/topics/{name}", s.registerTopic)
		r.Delete("/topics/{name}", s.unregisterTopic)
		r.Post("/topics/{name}/test", s.testTopic)

		r.Post("/query", s.queryGraph)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})
	return s
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("rest api listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rest api stopped", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("rest api shutdown", "error", err)
	}
}

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.ProcessDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := s.engine.DeployDefinition(&def)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) listDefinitions(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.engine.ListDefinitions()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.GetDefinition(chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) retireDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetireDefinition(chi.URLParam(r, "processId")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefinitionKey string         `json:"definitionKey"`
		Variables     map[string]any `json:"variables"`
		StartEventID  string         `json:"startEventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pi, err := s.engine.StartInstance(req.DefinitionKey, req.Variables, req.StartEventID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pi)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	state := runtime.InstanceState(r.URL.Query().Get("state"))
	definition := r.URL.Query().Get("definition")
	instances, err := s.engine.ListInstances(state, definition)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetInstance(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if err := s.engine.StopInstance(chi.URLParam(r, "id"), reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) throwError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ThrowError(chi.URLParam(r, "id"), req.Code, req.Message); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.GetAuditTrail(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) setVariable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetVariable(chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getVariable(w http.ResponseWriter, r *http.Request) {
	value, ok, err := s.engine.GetVariable(chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("variable not set"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string         `json:"name"`
		CorrelationKey string         `json:"correlationKey"`
		Variables      map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SendMessage(req.Name, req.CorrelationKey, req.Variables); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) broadcastSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string         `json:"name"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.BroadcastSignal(req.Name, req.Variables); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.engine.ListTasks(q.Get("instance"), runtime.TaskState(q.Get("state")), q.Get("assignee"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.engine.ClaimTask(chi.URLParam(r, "id"), req.Assignee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables"`
		Actor     string         `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CompleteTask(chi.URLParam(r, "id"), req.Variables, req.Actor); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// topicView is the read model of a registered topic; in-process handlers
// show up without a descriptor.
type topicView struct {
	Topic string            `json:"topic"`
	Kind  string            `json:"kind"`
	HTTP  *bpmn.HTTPHandler `json:"http,omitempty"`
}

func topicViewOf(h *bpmn.Handler) topicView {
	v := topicView{Topic: h.Topic, Kind: "func"}
	if h.HTTP != nil {
		v.Kind = "http"
		v.HTTP = h.HTTP
	}
	return v
}

func (s *Server) listTopics(w http.ResponseWriter, _ *http.Request) {
	reg := s.engine.Topics()
	names := reg.Topics()
	sort.Strings(names)
	out := make([]topicView, 0, len(names))
	for _, name := range names {
		if h, ok := reg.Lookup(name); ok {
			out = append(out, topicViewOf(h))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	h, ok := s.engine.Topics().Lookup(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("topic is not registered"))
		return
	}
	writeJSON(w, http.StatusOK, topicViewOf(h))
}

func (s *Server) registerTopic(w http.ResponseWriter, r *http.Request) {
	var spec bpmn.HTTPHandler
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// RegisterHTTP only fails on a malformed descriptor
	if err := s.engine.Topics().RegisterHTTP(chi.URLParam(r, "name"), &spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) unregisterTopic(w http.ResponseWriter, r *http.Request) {
	s.engine.Topics().Unregister(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	trace, err := s.engine.Topics().Test(r.Context(), chi.URLParam(r, "name"), req.Variables)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) queryGraph(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Graph string `json:"graph"`
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.engine.QueryGraph(rdf.GraphName(req.Graph), req.Query)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine failure kinds onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch bpmn.KindOf(err) {
	case bpmn.ErrNotFound:
		status = http.StatusNotFound
	case bpmn.ErrBadDefinition, bpmn.ErrUnsupported:
		status = http.StatusBadRequest
	case bpmn.ErrPreconditionFailed:
		status = http.StatusConflict
	}
	writeError(w, status, err)
}
