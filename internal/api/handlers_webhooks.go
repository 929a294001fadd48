package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jordanhubbard/holly/pkg/models"
)

// GitHubWebhookPayload is the part of a GitHub webhook body holly reads.
type GitHubWebhookPayload struct {
	Action      string             `json:"action"`
	Number      int                `json:"number,omitempty"`
	PullRequest *GitHubPullRequest `json:"pull_request,omitempty"`
}

// GitHubPullRequest represents a GitHub pull request
type GitHubPullRequest struct {
	Number int        `json:"number"`
	State  string     `json:"state"`
	Merged bool       `json:"merged"`
	URL    string     `json:"html_url"`
	Head   *GitHubRef `json:"head,omitempty"`
}

// GitHubRef represents a git reference
type GitHubRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// handleGitHubWebhook reconciles an improvement when GitHub reports that
// its pull request was closed, merged or not.
// POST /api/v1/webhooks/github
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	if s.cfg.WebhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !verifyGitHubSignature(body, signature, s.cfg.WebhookSecret) {
			s.respondError(w, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "":
		s.respondError(w, http.StatusBadRequest, "Missing X-GitHub-Event header")
		return
	case "ping":
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "pull_request":
	default:
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	var payload GitHubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if payload.Action != "closed" || payload.PullRequest == nil || payload.PullRequest.Head == nil {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	imp, err := s.ctrl.ReconcileBranch(r.Context(), payload.PullRequest.Head.Ref)
	if errors.Is(err, models.ErrNotFound) {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.logger.Info("reconciled improvement from webhook",
		"improvement_id", imp.ID, "pr_number", payload.PullRequest.Number, "status", imp.Status)
	s.respondJSON(w, http.StatusOK, imp)
}

// verifyGitHubSignature verifies the HMAC-SHA256 signature of a webhook payload
func verifyGitHubSignature(payload []byte, signature, secret string) bool {
	sig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}
