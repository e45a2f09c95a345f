package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/analytics"
	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// ---- request / response models ----

type startRequest struct {
	ProjectID   string            `json:"project_id"`
	ProjectName string            `json:"project_name"`
	SourceDir   string            `json:"source_dir"`
	Domain      string            `json:"domain"`
	Recipient   string            `json:"recipient"`
	EnvVars     map[string]string `json:"env_vars"`
	Scenarios   []string          `json:"scenarios"`
	SkipStages  []catalog.StageID `json:"skip_stages"`
	StrictGate  bool              `json:"strict_gate"`
}

func (r startRequest) runConfig() pipeline.RunConfig {
	return pipeline.RunConfig{
		ProjectID:   r.ProjectID,
		ProjectName: r.ProjectName,
		SourceDir:   r.SourceDir,
		Domain:      r.Domain,
		Recipient:   r.Recipient,
		EnvVars:     r.EnvVars,
		Scenarios:   r.Scenarios,
		SkipStages:  r.SkipStages,
		StrictGate:  r.StrictGate,
	}
}

// controlRequest carries the optional argument of a control action.
type controlRequest struct {
	Reason string `json:"reason"`
	Ref    string `json:"ref"`
	By     string `json:"by"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(fe *faults.Error) int {
	switch fe.Kind {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindConfiguration:
		return http.StatusBadRequest
	case faults.KindInvalidTransition, faults.KindDependency:
		return http.StatusConflict
	case faults.KindTransient:
		return http.StatusBadGateway
	}
	if fe.Code == faults.CodeAlreadyExists {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	fe, ok := faults.As(err)
	if !ok {
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	status := statusFor(fe)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: fe.Error(), Code: string(fe.Code), Kind: string(fe.Kind)})
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return faults.Configuration(faults.CodeInvalidConfig, "invalid request body: %v", err)
}

// ---- handlers ----

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Catalog().All())
}

// handleStats serves the analytics report. ?since=720h limits it to recent
// pipelines.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, faults.Configuration(faults.CodeInvalidConfig, "invalid since %q", v))
			return
		}
		since = time.Now().Add(-d)
	}
	report, err := analytics.Collect(r.Context(), s.store, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := pipeline.Status(r.URL.Query().Get("status"))
	list, err := s.store.List(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelineRows(list, s.orch.Running))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.orch.Start(r.Context(), req.runConfig())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/pipelines/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !inst.Status.Terminal() {
		s.writeError(w, faults.InvalidTransition("cannot delete: pipeline is %s", inst.Status))
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleOutputs merges provider-supplied outputs, for example a webhook
// reporting a custom domain or credentials.
func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := decodeBody(r, &partial); err != nil {
		s.writeError(w, err)
		return
	}
	if len(partial) == 0 {
		s.writeError(w, faults.Configuration(faults.CodeInvalidConfig, "no outputs given"))
		return
	}
	inst, err := s.store.UpdateOutputs(r.Context(), mux.Vars(r)["id"], partial)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		inst *pipeline.Instance
		err  error
	)
	ctx := r.Context()
	switch vars["action"] {
	case "pause":
		inst, err = s.orch.Pause(ctx, id)
	case "resume":
		inst, err = s.orch.Resume(ctx, id)
	case "cancel":
		inst, err = s.orch.Cancel(ctx, id, req.Reason)
	case "rollback":
		inst, err = s.orch.Rollback(ctx, id, req.Ref)
	case "accept":
		inst, err = s.orch.Accept(ctx, id, req.By)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
