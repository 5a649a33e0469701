package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/lazypower/vaultweave/internal/scheduler"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// limitParam reads ?limit=, falling back to defaultLimit.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

type taskView struct {
	scheduler.TaskDefinition
	Running bool                     `json:"running"`
	Latest  *scheduler.TaskExecution `json:"latest,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		http.Error(w, `{"error":"scheduler not configured"}`, http.StatusServiceUnavailable)
		return
	}

	defs := s.sched.Definitions()
	tasks := make([]taskView, 0, len(defs))
	for _, d := range defs {
		v := taskView{TaskDefinition: d, Running: s.sched.Running(d.ID)}
		if latest, ok := s.sched.Latest(d.ID); ok {
			v.Latest = &latest
		}
		tasks = append(tasks, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		http.Error(w, `{"error":"scheduler not configured"}`, http.StatusServiceUnavailable)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if _, ok := s.sched.Definition(taskID); !ok {
		http.Error(w, `{"error":"unknown task"}`, http.StatusNotFound)
		return
	}

	execs := s.sched.Executions(taskID, limitParam(r))
	if execs == nil {
		execs = []scheduler.TaskExecution{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"task_id":    taskID,
		"executions": execs,
	})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		http.Error(w, `{"error":"scheduler not configured"}`, http.StatusServiceUnavailable)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	exec, err := s.sched.RunNow(r.Context(), taskID)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		http.Error(w, `{"error":"unknown task"}`, http.StatusNotFound)
		return
	case errors.Is(err, scheduler.ErrTaskBusy), errors.Is(err, scheduler.ErrDependenciesPending):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(exec)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, `{"error":"engine not configured"}`, http.StatusServiceUnavailable)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	report, err := s.engine.RunCycle(r.Context(), engine.CycleOptions{DryRun: dryRun})
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.db.RecentCycleReports(limitParam(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]json.RawMessage, 0, len(reports))
	for _, rep := range reports {
		out = append(out, json.RawMessage(rep.Report))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"reports": out,
		"count":   len(out),
	})
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, `{"error":"engine not configured"}`, http.StatusServiceUnavailable)
		return
	}

	resp := map[string]any{"correlations": []any{}}
	if a := s.engine.Analysis(); a != nil {
		resp["at"] = a.At
		resp["documents"] = a.Documents
		if a.Correlations != nil {
			resp["correlations"] = a.Correlations
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, `{"error":"engine not configured"}`, http.StatusServiceUnavailable)
		return
	}

	resp := map[string]any{"patterns": []any{}}
	if a := s.engine.Analysis(); a != nil {
		resp["at"] = a.At
		resp["documents"] = a.Documents
		if a.Patterns != nil {
			resp["patterns"] = a.Patterns
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type ruleView struct {
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Enabled           bool     `json:"enabled"`
	Generated         bool     `json:"generated"`
	Source            string   `json:"source,omitempty"`
	Strength          float64  `json:"strength"`
	Multiplier        float64  `json:"multiplier"`
	EffectiveStrength float64  `json:"effective_strength"`
	Exclusions        []string `json:"exclusions"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, `{"error":"engine not configured"}`, http.StatusServiceUnavailable)
		return
	}

	all := s.engine.Registry().Snapshot()
	views := make([]ruleView, 0, len(all))
	for _, rule := range all {
		views = append(views, ruleView{
			Name:              rule.Name,
			Description:       rule.Description,
			Enabled:           rule.Enabled,
			Generated:         rule.Generated,
			Source:            rule.Source,
			Strength:          rule.Strength,
			Multiplier:        rule.Multiplier,
			EffectiveStrength: rule.EffectiveStrength(),
			Exclusions:        rule.ExclusionList(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"rules": views,
		"count": len(views),
	})
}
