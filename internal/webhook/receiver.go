// Package webhook receives GitHub push and pull request events and turns
// them into pipeline triggers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const (
	maxPayloadBytes = 5 << 20

	// GitHub truncates the commit list of a push payload at this size, in
	// which case paths are recomputed by the change source.
	pushCommitLimit = 20

	limiterTTL = time.Hour
)

var (
	validRefRegex = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	validSHARegex = regexp.MustCompile(`^[0-9a-f]{40}$`)
	zeroSHA       = strings.Repeat("0", 40)
)

// Triggerer starts pipeline runs.
type Triggerer interface {
	Trigger(ctx context.Context, req orchestrator.TriggerRequest) (*pipeline.Run, error)
}

// Config holds receiver settings.
type Config struct {
	Secret config.Secret

	// Rate and Burst bound requests per client IP.
	Rate  float64
	Burst int
}

// Response is the JSON body returned for every handled delivery.
type Response struct {
	Status   string `json:"status"`
	Delivery string `json:"delivery"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Receiver is an http.Handler for GitHub webhook deliveries.
type Receiver struct {
	runs   Triggerer
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewReceiver returns a Receiver. A secret is required: unsigned deliveries
// are never accepted.
func NewReceiver(runs Triggerer, cfg Config, logger *logging.Logger) (*Receiver, error) {
	if runs == nil {
		return nil, errors.New("triggerer cannot be nil")
	}
	if !cfg.Secret.IsSet() {
		return nil, pipeline.NewConfigurationError("github.webhook_secret", "required to receive webhooks")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Receiver{runs: runs, cfg: cfg, logger: logger, now: time.Now}, nil
}

// limiter returns the rate limiter for ip. The table is reset every hour.
func (rc *Receiver) limiter(ip string) *rate.Limiter {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	if rc.limiters == nil || now.Sub(rc.lastCleanup) > limiterTTL {
		rc.limiters = make(map[string]*rate.Limiter)
		rc.lastCleanup = now
	}
	l, ok := rc.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rc.cfg.Rate), rc.cfg.Burst)
		rc.limiters[ip] = l
	}
	return l
}

// clientIP extracts the client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	delivery := github.DeliveryID(r)
	if delivery == "" {
		delivery = uuid.NewString()
	}
	ctx := logging.WithRequestID(r.Context(), delivery)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !rc.limiter(ip).Allow() {
		rc.logger.Warn(ctx, "webhook rate limit exceeded", zap.String("ip", ip))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	payload, err := github.ValidatePayload(r, []byte(rc.cfg.Secret.Value()))
	if err != nil {
		rc.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := github.WebHookType(r)
	event, err := github.ParseWebHook(kind, payload)
	if err != nil {
		rc.logger.Warn(ctx, "failed to parse webhook", zap.String("event", kind), zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	var req *orchestrator.TriggerRequest
	switch e := event.(type) {
	case *github.PingEvent:
		writeJSON(w, http.StatusOK, Response{Status: "pong", Delivery: delivery})
		return
	case *github.PushEvent:
		req, err = pushTrigger(e)
	case *github.PullRequestEvent:
		req, err = pullRequestTrigger(e)
	default:
		rc.logger.Debug(ctx, "ignoring event type", zap.String("event", kind))
		writeJSON(w, http.StatusAccepted, Response{Status: "ignored", Delivery: delivery, Reason: "unsupported event " + kind})
		return
	}
	if err != nil {
		rc.logger.Warn(ctx, "invalid event data", zap.String("event", kind), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusAccepted, Response{Status: "ignored", Delivery: delivery, Reason: "no pipeline for this " + kind + " action"})
		return
	}

	run, err := rc.runs.Trigger(ctx, *req)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInvalidTrigger):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
		rc.logger.Error(ctx, "failed to trigger run", zap.String("event", kind), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rc.logger.Info(logging.WithRun(ctx, run.ID), "webhook triggered run",
		zap.String("event", kind),
		zap.String("branch", req.Trigger.Branch),
	)
	writeJSON(w, http.StatusAccepted, Response{Status: "accepted", Delivery: delivery, RunID: run.ID})
}

// pushTrigger converts a branch push. Tag pushes and branch deletions yield
// no trigger.
func pushTrigger(e *github.PushEvent) (*orchestrator.TriggerRequest, error) {
	branch, ok := strings.CutPrefix(e.GetRef(), "refs/heads/")
	if !ok || e.GetDeleted() {
		return nil, nil
	}
	if !validRefRegex.MatchString(branch) {
		return nil, fmt.Errorf("invalid branch name")
	}
	head := e.GetAfter()
	if !validSHARegex.MatchString(head) {
		return nil, fmt.Errorf("invalid head SHA")
	}
	base := e.GetBefore()
	if base == zeroSHA {
		base = ""
	}

	actor := e.GetPusher().GetName()
	if actor == "" {
		actor = e.GetSender().GetLogin()
	}

	req := &orchestrator.TriggerRequest{
		Trigger: pipeline.Trigger{Kind: pipeline.TriggerPush, Branch: branch, Actor: actor},
		Base:    base,
		Head:    head,
	}

	seen := map[string]bool{}
	for _, c := range e.Commits {
		subject, body := splitMessage(c.GetMessage())
		req.Commits = append(req.Commits, pipeline.Commit{SHA: c.GetID(), Subject: subject, Body: body})
		for _, group := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range group {
				if !seen[p] {
					seen[p] = true
					req.Paths = append(req.Paths, p)
				}
			}
		}
	}
	// Truncated or empty payloads leave Paths nil so the change source
	// recomputes them from the revision range.
	if len(e.Commits) >= pushCommitLimit || base == "" || len(req.Paths) == 0 {
		req.Paths = nil
	}
	return req, nil
}

// pullRequestTrigger converts opened, synchronize and reopened actions.
func pullRequestTrigger(e *github.PullRequestEvent) (*orchestrator.TriggerRequest, error) {
	switch e.GetAction() {
	case "opened", "synchronize", "reopened":
	default:
		return nil, nil
	}
	pr := e.GetPullRequest()
	if pr == nil || pr.GetNumber() <= 0 {
		return nil, fmt.Errorf("invalid PR number")
	}
	branch := pr.GetHead().GetRef()
	if !validRefRegex.MatchString(branch) {
		return nil, fmt.Errorf("invalid branch name")
	}
	head := pr.GetHead().GetSHA()
	if !validSHARegex.MatchString(head) {
		return nil, fmt.Errorf("invalid head SHA")
	}
	base := pr.GetBase().GetSHA()
	if !validSHARegex.MatchString(base) {
		return nil, fmt.Errorf("invalid base SHA")
	}

	return &orchestrator.TriggerRequest{
		Trigger: pipeline.Trigger{
			Kind:   pipeline.TriggerPullRequest,
			Branch: branch,
			Actor:  e.GetSender().GetLogin(),
		},
		Base: base,
		Head: head,
	}, nil
}

func splitMessage(msg string) (subject, body string) {
	subject, body, _ = strings.Cut(strings.TrimSpace(msg), "\n")
	return strings.TrimSpace(subject), strings.TrimSpace(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
