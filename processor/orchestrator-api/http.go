package orchestratorapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/c360studio/taskgrid/dag"
	"github.com/c360studio/taskgrid/lifecycle"
	"github.com/c360studio/taskgrid/storage"
	"github.com/c360studio/taskgrid/types"
)

// maxRequestBodySize limits POST body sizes.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers the management endpoints under the
// given prefix:
//
//	POST <prefix>/teams
//	GET  <prefix>/teams/{id}
//	GET  <prefix>/agents?team_id={id}
//	POST <prefix>/jobdefs
//	GET  <prefix>/jobdefs/{id}
//	POST <prefix>/jobdefs/{id}/trigger
//	POST <prefix>/jobdefs/{id}/pause
//	POST <prefix>/jobdefs/{id}/resume
//	POST <prefix>/jobs
//	GET  <prefix>/jobs/{id}
//	GET  <prefix>/jobs/{id}/tasks
//	GET  <prefix>/jobs/{id}/outcomes
//	POST <prefix>/jobs/{id}/start
//	POST <prefix>/jobs/{id}/skip
//	POST <prefix>/jobs/{id}/interrupt
//	POST <prefix>/jobs/{id}/cancel
//	POST <prefix>/jobs/{id}/restart
//	POST <prefix>/taskoutcomes/{id}/interrupt
//	POST <prefix>/taskoutcomes/{id}/cancel
//	POST <prefix>/taskoutcomes/{id}/restart
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"teams", c.handleTeams)
	mux.HandleFunc(prefix+"teams/", c.handleTeam)
	mux.HandleFunc(prefix+"agents", c.handleAgents)
	mux.HandleFunc(prefix+"jobdefs", c.handleJobDefs)
	mux.HandleFunc(prefix+"jobdefs/", c.handleJobDef)
	mux.HandleFunc(prefix+"jobs", c.handleJobs)
	mux.HandleFunc(prefix+"jobs/", c.handleJob)
	mux.HandleFunc(prefix+"taskoutcomes/", c.handleTaskOutcome)
}

// handleTeams serves POST /teams and GET /teams.
func (c *Component) handleTeams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var team types.Team
		if !c.decodeBody(w, r, &team) {
			return
		}
		if team.Name == "" {
			http.Error(w, "Team name required", http.StatusUnprocessableEntity)
			return
		}
		if team.ID == "" {
			team.ID = uuid.NewString()
		}
		if err := c.engine.Store.Teams.Insert(r.Context(), team.ID, &team); err != nil {
			if errors.Is(err, storage.ErrExists) {
				http.Error(w, "Team already exists", http.StatusConflict)
				return
			}
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, team)

	case http.MethodGet:
		teams, err := c.engine.Store.Teams.Find(r.Context(), func(*types.Team) bool { return true })
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, teams)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTeam serves GET /teams/{id}.
func (c *Component) handleTeam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := extractIDFromPath(r.URL.Path, "/teams/")
	if id == "" {
		http.Error(w, "Team ID required", http.StatusBadRequest)
		return
	}
	team, err := c.engine.Store.Teams.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Team not found", http.StatusNotFound)
			return
		}
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

// handleAgents serves GET /agents?team_id={id}, listing live agents.
func (c *Component) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		http.Error(w, "team_id required", http.StatusBadRequest)
		return
	}
	live, err := c.engine.Directory.Live(r.Context(), teamID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

// handleJobDefs serves POST /jobdefs.
func (c *Component) handleJobDefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var def types.JobDef
	if !c.decodeBody(w, r, &def) {
		return
	}
	if def.TeamID == "" {
		http.Error(w, "team_id required", http.StatusUnprocessableEntity)
		return
	}
	if def.Name == "" {
		http.Error(w, "Template name required", http.StatusUnprocessableEntity)
		return
	}
	if err := types.ValidateJobSpec(def.Tasks); err != nil {
		c.writeError(w, err)
		return
	}
	if err := dag.Validate(def.Tasks); err != nil {
		c.writeError(w, err)
		return
	}
	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			http.Error(w, "Invalid cron schedule", http.StatusUnprocessableEntity)
			return
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Status == 0 {
		def.Status = types.JobDefRunning
	}
	def.DateCreated = time.Now()
	def.LastRunID = 0

	if err := c.engine.Store.JobDefs.Insert(r.Context(), def.ID, &def); err != nil {
		if errors.Is(err, storage.ErrExists) {
			http.Error(w, "Template already exists", http.StatusConflict)
			return
		}
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// handleJobDef serves GET /jobdefs/{id} and the trigger/pause/resume
// actions.
func (c *Component) handleJobDef(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path, "/jobdefs/")
	if id == "" {
		http.Error(w, "Template ID required", http.StatusBadRequest)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		def, err := c.engine.Store.JobDefs.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Template not found", http.StatusNotFound)
				return
			}
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "trigger":
		job, err := c.engine.Scheduler.TriggerJobDef(r.Context(), id, time.Now())
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)

	case "pause":
		def, err := c.engine.Store.JobDefs.Update(r.Context(), id, nil, func(d *types.JobDef) {
			d.Status = types.JobDefPaused
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Template not found", http.StatusNotFound)
				return
			}
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)

	case "resume":
		def, err := c.engine.Store.JobDefs.Update(r.Context(), id, nil, func(d *types.JobDef) {
			d.Status = types.JobDefRunning
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Template not found", http.StatusNotFound)
				return
			}
			c.writeError(w, err)
			return
		}
		// Drain any instances queued while paused.
		if err := c.engine.Scheduler.LaunchReadyJobs(r.Context(), id); err != nil {
			c.logger.Error("Admission after resume failed", "jobdef", id, "error", err)
		}
		writeJSON(w, http.StatusOK, def)

	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
	}
}

// CreateJobRequest is the request body for POST /jobs.
type CreateJobRequest struct {
	TeamID string `json:"team_id"`
	lifecycle.JobSpec
}

// handleJobs serves POST /jobs (ad-hoc submission) and GET /jobs?team_id={id}.
func (c *Component) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CreateJobRequest
		if !c.decodeBody(w, r, &req) {
			return
		}
		if req.TeamID == "" {
			http.Error(w, "team_id required", http.StatusUnprocessableEntity)
			return
		}
		job, err := c.engine.Lifecycle.CreateJob(r.Context(), req.TeamID, &req.JobSpec)
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job.LogSafe())

	case http.MethodGet:
		teamID := r.URL.Query().Get("team_id")
		jobs, err := c.engine.Store.Jobs.Find(r.Context(), func(j *types.Job) bool {
			return teamID == "" || j.TeamID == teamID
		})
		if err != nil {
			c.writeError(w, err)
			return
		}
		safe := make([]types.Job, len(jobs))
		for i, j := range jobs {
			safe[i] = j.LogSafe()
		}
		writeJSON(w, http.StatusOK, safe)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// skipRequest is the optional body for POST /jobs/{id}/skip.
type skipRequest struct {
	Reason string `json:"reason"`
}

// handleJob serves GET /jobs/{id}, its subresources, and lifecycle
// actions.
func (c *Component) handleJob(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path, "/jobs/")
	if id == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := c.engine.Store.Jobs.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Job not found", http.StatusNotFound)
				return
			}
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job.LogSafe())

	case action == "tasks" && r.Method == http.MethodGet:
		tasks, err := c.engine.Store.JobTasks(r.Context(), id)
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)

	case action == "outcomes" && r.Method == http.MethodGet:
		outcomes, err := c.engine.Store.JobOutcomes(r.Context(), id)
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)

	case r.Method == http.MethodPost:
		c.handleJobAction(w, r, id, action)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Component) handleJobAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var err error
	switch action {
	case "start":
		err = c.engine.Lifecycle.StartJob(r.Context(), id)
	case "skip":
		var req skipRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
			req.Reason = ""
		}
		if req.Reason == "" {
			req.Reason = "Skipped by operator"
		}
		err = c.engine.Lifecycle.SkipJob(r.Context(), id, req.Reason)
	case "interrupt":
		err = c.engine.Lifecycle.InterruptJob(r.Context(), id)
	case "cancel":
		err = c.engine.Lifecycle.CancelJob(r.Context(), id)
	case "restart":
		err = c.engine.Lifecycle.RestartJob(r.Context(), id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		c.writeError(w, err)
		return
	}

	job, err := c.engine.Store.Jobs.Get(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.LogSafe())
}

// handleTaskOutcome serves GET /taskoutcomes/{id} and the lifecycle
// actions on a single task attempt.
func (c *Component) handleTaskOutcome(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path, "/taskoutcomes/")
	if id == "" {
		http.Error(w, "Task outcome ID required", http.StatusBadRequest)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		outcome, err := c.engine.Store.TaskOutcomes.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Task outcome not found", http.StatusNotFound)
				return
			}
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch action {
	case "interrupt":
		err = c.engine.Lifecycle.InterruptTaskOutcome(r.Context(), id)
	case "cancel":
		err = c.engine.Lifecycle.CancelTaskOutcome(r.Context(), id)
	case "restart":
		err = c.engine.Lifecycle.RestartTaskOutcome(r.Context(), id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		c.writeError(w, err)
		return
	}

	outcome, err := c.engine.Store.TaskOutcomes.Get(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func (c *Component) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps engine errors onto HTTP statuses.
func (c *Component) writeError(w http.ResponseWriter, err error) {
	var valErr *types.ValidationError
	var missErr *types.MissingObjectError
	var quotaErr *types.FreeTierLimitExceededError
	switch {
	case errors.As(err, &valErr):
		http.Error(w, valErr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &missErr):
		http.Error(w, missErr.Error(), http.StatusNotFound)
	case errors.As(err, &quotaErr):
		http.Error(w, quotaErr.Error(), http.StatusTooManyRequests)
	default:
		c.requestErrors.Add(1)
		c.logger.Error("Request failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// extractIDFromPath returns the path segment following marker.
func extractIDFromPath(path, marker string) string {
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	return strings.TrimSuffix(rest, "/")
}

// splitIDAction splits "{id}" or "{id}/{action}" following marker.
func splitIDAction(path, marker string) (string, string) {
	rest := extractIDFromPath(path, marker)
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}
