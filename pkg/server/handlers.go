package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/github"
	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/trigger"
)

const (
	statusQueued  = "queued"
	statusIgnored = "ignored"
	statusError   = "error"

	errInternal = "Internal server error"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339Nano),
	})
}

// jiraSecretOK accepts the shared secret as a "secret" query parameter or an
// X-Webhook-Secret header. Jira Cloud webhooks cannot sign payloads.
func (s *Server) jiraSecretOK(r *http.Request) bool {
	want := s.cfg.JiraWebhookSecret
	if want == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleJiraWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.jiraSecretOK(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	settings := s.cfg.Settings.Get()
	decision := s.cfg.Resolver.ResolveJira(body, settings)
	log.Info("jira webhook received", "event", orUnknown(decision.Event))

	if decision.Ignored() {
		if settings.VerboseLogs {
			log.Info("jira webhook ignored", "event", orUnknown(decision.Event), "reason", decision.Reason)
		}
		s.record(DecisionRecord{Source: string(job.SourceJira), Event: decision.Event, Status: statusIgnored, Reason: decision.Reason})
		writeJSON(w, http.StatusOK, map[string]string{"status": statusIgnored, "reason": decision.Reason})
		return
	}

	j := decision.Job.(*job.JiraJob)
	id, err := s.enqueue(r.Context(), j)
	if err != nil {
		log.Error("failed to queue jira job", "issue", j.IssueKey, "error", err)
		s.record(DecisionRecord{Source: string(job.SourceJira), Event: decision.Event, Status: statusError, Reason: err.Error(), Target: j.IssueKey})
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	log.Info("job queued", "issue", j.IssueKey, "instruction", j.Instruction, "job_id", id)
	s.record(DecisionRecord{Source: string(job.SourceJira), Event: decision.Event, Status: statusQueued, Target: j.IssueKey, JobID: id})

	if err := s.cfg.Jira.PostComment(r.Context(), j.IssueKey, trigger.AckComment); err != nil {
		log.Warn("failed to acknowledge jira trigger", "issue", j.IssueKey, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": statusQueued, "issueKey": j.IssueKey})
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	eventName, body, err := github.ReadDelivery(r, s.cfg.GitHubWebhookSecret)
	if err != nil {
		log.Warn("rejected github webhook", "event", eventName, "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if eventName == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	settings := s.cfg.Settings.Get()
	decision := s.cfg.Resolver.ResolveGitHub(r.Context(), eventName, body, settings)
	if decision.Ignored() {
		if settings.VerboseLogs {
			log.Info("github webhook ignored", "event", eventName, "reason", decision.Reason)
		}
		s.record(DecisionRecord{Source: string(job.SourceGitHub), Event: eventName, Status: statusIgnored, Reason: decision.Reason})
		writeJSON(w, http.StatusOK, map[string]string{"status": statusIgnored, "reason": decision.Reason})
		return
	}

	j := decision.Job.(*job.GitHubJob)
	target := job.ReadableID(j)
	id, err := s.enqueue(r.Context(), j)
	if err != nil {
		log.Error("failed to queue github job", "target", target, "error", err)
		s.record(DecisionRecord{Source: string(job.SourceGitHub), Event: eventName, Status: statusError, Reason: err.Error(), Target: target})
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	log.Info("job queued", "target", target, "instruction", j.Instruction, "job_id", id)
	s.record(DecisionRecord{Source: string(job.SourceGitHub), Event: eventName, Status: statusQueued, Target: target, JobID: id})

	if s.cfg.GitHub != nil {
		if n, ok := j.Number(); ok {
			if err := s.cfg.GitHub.PostComment(r.Context(), j.Owner, j.Repo, n, trigger.AckComment); err != nil {
				log.Warn("failed to acknowledge github trigger", "target", target, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": statusQueued, "target": target})
}

type bulkRequest struct {
	Label string `json:"label"`
}

type bulkResponse struct {
	Status  string   `json:"status"`
	Label   string   `json:"label"`
	Queued  int      `json:"queued"`
	Total   int      `json:"total,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (s *Server) handleBulkLabelTrigger(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	settings := s.cfg.Settings.Get()
	res, err := trigger.ResolveBulk(r.Context(), req.Label, settings, s.cfg.Jira)
	if err != nil {
		var apiErr *jira.APIError
		switch {
		case errors.Is(err, trigger.ErrNoTriggerLabel):
			writeError(w, http.StatusBadRequest,
				"No trigger label configured. Set JIRA_LABEL_TRIGGER env var or pass a label in the request body.")
		case errors.Is(err, jira.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, jira.ErrNotConfigured.Error())
		case errors.As(err, &apiErr):
			log.Error("jira search failed during bulk trigger", "label", res.Label, "error", err)
			writeError(w, apiErr.StatusCode, fmt.Sprintf("JIRA search failed: %s", apiErr.Status))
		default:
			log.Error("bulk label trigger failed", "label", res.Label, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to run bulk label trigger")
		}
		return
	}

	if len(res.Jobs) == 0 {
		writeJSON(w, http.StatusOK, bulkResponse{
			Status:  "ok",
			Label:   res.Label,
			Message: fmt.Sprintf("No open issues found with label %q", res.Label),
		})
		return
	}

	queued := make([]string, 0, len(res.Jobs))
	for _, j := range res.Jobs {
		id, err := s.enqueue(r.Context(), j)
		if err != nil {
			log.Error("bulk label trigger failed", "label", res.Label, "issue", j.IssueKey, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to run bulk label trigger")
			return
		}
		s.record(DecisionRecord{Source: string(job.SourceJira), Event: "bulk", Status: statusQueued, Target: j.IssueKey, JobID: id})
		queued = append(queued, j.IssueKey)
	}
	log.Info("bulk label trigger queued jobs", "label", res.Label, "count", len(queued), "issues", strings.Join(queued, ", "))

	writeJSON(w, http.StatusOK, bulkResponse{
		Status: "ok",
		Label:  res.Label,
		Queued: len(queued),
		Total:  res.Total,
		Issues: queued,
	})
}

type configView struct {
	BotName         string         `json:"botName"`
	BotDisplayName  string         `json:"botDisplayName"`
	ClaudeModel     config.Model   `json:"claudeModel"`
	AvailableModels []config.Model `json:"availableModels"`
	JiraBaseURL     string         `json:"jiraBaseUrl"`
}

func newConfigView(s config.Settings) configView {
	return configView{
		BotName:         s.BotName,
		BotDisplayName:  s.DisplayName(),
		ClaudeModel:     s.ClaudeModel,
		AvailableModels: config.SupportedModels,
		JiraBaseURL:     s.JiraBaseURL,
	}
}

type configUpdate struct {
	BotName     *string       `json:"botName"`
	ClaudeModel *config.Model `json:"claudeModel"`
	JiraBaseURL *string       `json:"jiraBaseUrl"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newConfigView(s.cfg.Settings.Get()))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	next := s.cfg.Settings.Get()
	if req.BotName != nil {
		next.BotName = *req.BotName
	}
	if req.ClaudeModel != nil {
		if !config.IsSupportedModel(*req.ClaudeModel) {
			names := make([]string, 0, len(config.SupportedModels))
			for _, m := range config.SupportedModels {
				names = append(names, string(m))
			}
			writeError(w, http.StatusBadRequest, "Invalid model. Must be one of: "+strings.Join(names, ", "))
			return
		}
		next.ClaudeModel = *req.ClaudeModel
	}
	if req.JiraBaseURL != nil {
		if !config.IsValidJiraURL(*req.JiraBaseURL) {
			writeError(w, http.StatusBadRequest, "Invalid JIRA base URL. Must be a valid HTTPS URL.")
			return
		}
		next.JiraBaseURL = *req.JiraBaseURL
	}

	if err := s.cfg.Settings.Save(r.Context(), next); err != nil {
		if errors.Is(err, config.ErrInvalidBotName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("failed to update config", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated := s.cfg.Settings.Get()
	log.Info("config updated", "bot_name", updated.BotName, "claude_model", updated.ClaudeModel, "jira_base_url", updated.JiraBaseURL)
	writeJSON(w, http.StatusOK, newConfigView(updated))
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
