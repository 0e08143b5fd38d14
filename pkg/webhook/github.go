package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-playground/webhooks/v6/github"

	"github.com/trungminhnguyen/zuul/internal"
)

// GitHubHandler receives GitHub deliveries for one connection, authenticates
// them and hands normalized trigger events to the scheduler.
type GitHubHandler struct {
	hook       *github.Webhook
	secret     string
	normalizer *Normalizer
	scheduler  Scheduler
	logger     *log.Logger
	maxBody    int64
}

var githubEvents = []github.Event{
	github.PushEvent,
	github.PullRequestEvent,
	github.IssueCommentEvent,
}

// NewGitHubHandler creates a handler. An empty secret disables signature checks.
func NewGitHubHandler(secret string, normalizer *Normalizer, scheduler Scheduler, logger *log.Logger, maxBody int64) (*GitHubHandler, error) {
	// Signatures are checked before parsing; the parser only validates
	// method and event header and decodes the payload.
	hook, err := github.New()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &GitHubHandler{
		hook:       hook,
		secret:     secret,
		normalizer: normalizer,
		scheduler:  scheduler,
		logger:     logger,
		maxBody:    maxBody,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest(h.normalizer.connection)
	if r.Method != http.MethodPost {
		h.reject(w, "method", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, "too_large", http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.reject(w, "body", http.StatusBadRequest, "unreadable body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	if h.secret != "" {
		if err := verifySignature(h.secret, rawBody, r.Header); err != nil {
			logger.Printf("signature rejected: %v", err)
			h.reject(w, "signature", http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	eventName := r.Header.Get("X-GitHub-Event")
	_, err = h.hook.Parse(r, githubEvents...)
	switch {
	case err == nil:
	case errors.Is(err, github.ErrInvalidHTTPMethod):
		h.reject(w, "method", http.StatusMethodNotAllowed, "method not allowed")
		return
	case errors.Is(err, github.ErrMissingGithubEventHeader):
		h.reject(w, "event_header", http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	case errors.Is(err, github.ErrEventNotFound):
		logger.Printf("unhandled event %q", eventName)
		h.reject(w, "unhandled_event", http.StatusBadRequest, "Unhandled X-Github-Event: "+eventName)
		return
	default:
		logger.Printf("github %s payload could not be decoded: %v", eventName, err)
		internal.IncFault(eventName)
		w.WriteHeader(http.StatusOK)
		return
	}

	result := h.normalizer.Normalize(r.Context(), eventName, rawBody)
	switch {
	case result.Fault != nil:
		logger.Printf("github %s handler fault: %v", eventName, result.Fault)
		internal.IncFault(eventName)
	case result.Event == nil:
		logger.Printf("github %s dropped: %s", eventName, result.Skipped)
		internal.IncDropped(eventName)
	default:
		logger.Printf("event connection=%s type=%s project=%s", result.Event.ConnectionName, result.Event.Type, result.Event.ProjectName)
		h.scheduler.AddEvent(*result.Event)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *GitHubHandler) reject(w http.ResponseWriter, reason string, status int, msg string) {
	internal.IncRejected(reason)
	http.Error(w, msg, status)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-GitHub-Delivery"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return watermill.NewUUID()
}

var (
	errMissingSignature   = errors.New("missing signature header")
	errMalformedSignature = errors.New("malformed signature header")
	errSignatureMismatch  = errors.New("signature mismatch")
)

// verifySignature checks X-Hub-Signature-256 when present and falls back to
// the sha1 X-Hub-Signature header otherwise.
func verifySignature(secret string, body []byte, header http.Header) error {
	if sig := header.Get("X-Hub-Signature-256"); sig != "" {
		return checkMAC(sha256.New, "sha256=", secret, body, sig)
	}
	if sig := header.Get("X-Hub-Signature"); sig != "" {
		return checkMAC(sha1.New, "sha1=", secret, body, sig)
	}
	return errMissingSignature
}

func checkMAC(newHash func() hash.Hash, prefix, secret string, body []byte, signature string) error {
	digest, ok := strings.CutPrefix(signature, prefix)
	if !ok {
		return errMalformedSignature
	}
	mac := hmac.New(newHash, []byte(secret))
	got, err := hex.DecodeString(digest)
	if err != nil || len(got) != mac.Size() {
		return errMalformedSignature
	}
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errSignatureMismatch
	}
	return nil
}
