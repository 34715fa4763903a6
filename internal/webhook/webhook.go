// Package webhook ingests provider callbacks: email replies and bounces,
// open tracking, call completions, and LinkedIn account and message events.
// Every handler is idempotent; providers redeliver, and a duplicate must
// change nothing.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/httputil"
	"github.com/cadencehq/engage/internal/pkg/logger"
	"github.com/cadencehq/engage/internal/store"
)

// Handlers serves the webhook routes. Secrets maps provider name to its
// HMAC signing secret; providers without an entry skip verification.
type Handlers struct {
	Store   *store.Store
	Secrets map[string]string
}

// Routes mounts the provider callbacks under /webhooks and the tracking
// pixel under /t.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/email/reply", h.verified("email", h.emailReply))
		r.Post("/email/bounce", h.verified("email", h.emailBounce))
		r.Post("/call", h.verified("telephony", h.callCompleted))
		r.Post("/linkedin/account", h.verified("linkedin", h.linkedinAccount))
		r.Post("/linkedin/message", h.verified("linkedin", h.linkedinMessage))
	})
	r.Get("/t/open/{logID}.png", h.trackOpen)
}

// verified wraps a handler with body capture and HMAC verification. A bad
// signature answers 401 so the provider retries once the secret is fixed.
func (h *Handlers) verified(provider string, next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			httputil.BadRequest(w, "unreadable body")
			return
		}
		if secret, ok := h.Secrets[provider]; ok && secret != "" {
			if !verifySignature(secret, body, r.Header.Get("X-Signature")) {
				logger.Warn("webhook signature rejected", "provider", provider)
				httputil.Unauthorized(w, "invalid signature")
				return
			}
		}
		next(w, r, body)
	}
}

// replyEvent is a lead reply routed back through the tenant's reply domain.
// The plus-tag of the reply-to address carries the email log id.
type replyEvent struct {
	EventID   string `json:"event_id"`
	To        string `json:"to"`     // reply+<log_id>@<reply_domain>
	LogID     string `json:"log_id"` // set directly by the mailbox poller
	FromEmail string `json:"from_email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (h *Handlers) emailReply(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev replyEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httputil.BadRequest(w, "invalid JSON")
		return
	}
	logID, ok := replyLogID(ev)
	if !ok {
		httputil.BadRequest(w, "no email log reference")
		return
	}

	fresh, err := h.Store.RecordWebhookEvent(r.Context(), "email-reply", ev.EventID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.ApplyReply(r.Context(), logID, ev.FromEmail, ev.Subject, ev.Body, fresh); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// ApplyReply records a lead reply on the thread. Exported so the inbound
// mailbox CLI can reconcile staged replies through the same logic.
func (h *Handlers) ApplyReply(ctx context.Context, logID uuid.UUID, fromEmail, subject, body string, fresh bool) error {
	if _, err := h.Store.GetEmailLog(ctx, logID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Stale or forged plus-tag; acknowledge, redelivery will not help.
			logger.Warn("reply references unknown email log", "email_log_id", logID.String(), "lead_email", fromEmail)
			return nil
		}
		return err
	}
	if err := h.Store.MarkEmailReplied(ctx, logID); err != nil {
		return err
	}
	if fresh && body != "" {
		if err := h.Store.CreateEmailLogDetail(ctx, domain.EmailLogDetail{
			EmailLogsID: logID,
			Subject:     subject,
			Body:        body,
			SenderType:  domain.SenderLead,
			FromEmail:   fromEmail,
		}); err != nil {
			return err
		}
	}
	logger.Info("lead replied", "email_log_id", logID.String(), "lead_email", fromEmail)
	return nil
}

// replyLogID extracts the thread id from the event: an explicit log_id
// first, then the reply+<id>@ plus-tag.
func replyLogID(ev replyEvent) (uuid.UUID, bool) {
	if ev.LogID != "" {
		if id, err := uuid.Parse(ev.LogID); err == nil {
			return id, true
		}
	}
	local, _, found := strings.Cut(ev.To, "@")
	if !found {
		return uuid.Nil, false
	}
	_, tag, found := strings.Cut(local, "+")
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(tag)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type bounceEvent struct {
	EventID   string `json:"event_id"`
	CompanyID string `json:"company_id"`
	Email     string `json:"email"`
	Type      string `json:"type"` // hard | soft
	Reason    string `json:"reason"`
}

func (h *Handlers) emailBounce(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev bounceEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Email == "" {
		httputil.BadRequest(w, "invalid bounce event")
		return
	}
	companyID, err := uuid.Parse(ev.CompanyID)
	if err != nil {
		httputil.BadRequest(w, "invalid company_id")
		return
	}
	if _, err := h.Store.RecordWebhookEvent(r.Context(), "email-bounce", ev.EventID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.ApplyBounce(r.Context(), companyID, ev.Email, ev.Type); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// ApplyBounce reconciles one bounce. Hard bounces poison the address: the
// lead is flagged, pending email items die with a bounce diagnostic.
// Soft bounces are recorded only; retries handle the rest.
func (h *Handlers) ApplyBounce(ctx context.Context, companyID uuid.UUID, email, bounceType string) error {
	if bounceType != "hard" {
		logger.Info("soft bounce recorded", "company_id", companyID.String(), "lead_email", email)
		return nil
	}
	leadIDs, err := h.Store.LeadIDsByEmail(ctx, companyID, email)
	if err != nil {
		return err
	}
	for _, leadID := range leadIDs {
		if err := h.Store.MarkLeadEmailBounced(ctx, leadID); err != nil {
			return err
		}
		if _, err := h.Store.CancelPendingForLead(ctx, leadID, domain.ChannelEmail, "bounced"); err != nil {
			return err
		}
	}
	logger.Info("hard bounce applied", "company_id", companyID.String(), "lead_email", email, "leads", len(leadIDs))
	return nil
}

// trackOpen serves the 1x1 pixel and flags the thread as opened. The pixel
// always comes back 200: a broken log id must not break image rendering in
// the lead's mail client.
func (h *Handlers) trackOpen(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "logID")
	if logID, err := uuid.Parse(raw); err == nil {
		if err := h.Store.MarkEmailOpened(r.Context(), logID); err != nil {
			log.Printf("[Webhook] mark opened %s: %v", logID, err)
		}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentPixel)
}

type callEvent struct {
	EventID        string            `json:"event_id"`
	CallID         string            `json:"call_id"`
	Duration       int               `json:"corrected_duration"`
	Sentiment      string            `json:"sentiment"`
	Summary        string            `json:"summary"`
	Transcript     string            `json:"concatenated_transcript"`
	RecordingURL   string            `json:"recording_url"`
	MeetingBooked  bool              `json:"meeting_booked"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *Handlers) callCompleted(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev callEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.CallID == "" {
		httputil.BadRequest(w, "invalid call event")
		return
	}
	if _, err := h.Store.RecordWebhookEvent(r.Context(), "call", ev.EventID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	matched, err := h.Store.CompleteCallRecord(r.Context(), ev.CallID, domain.CallRecord{
		DurationSeconds:  ev.Duration,
		Sentiment:        ev.Sentiment,
		Summary:          ev.Summary,
		Transcript:       ev.Transcript,
		RecordingURL:     ev.RecordingURL,
		HasMeetingBooked: ev.MeetingBooked,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !matched {
		// Unknown call id: acknowledge anyway, redelivery will not help.
		log.Printf("[Webhook] call completion for unknown call %s", ev.CallID)
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

type linkedinAccountEvent struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"` // OK | CREDENTIALS | DISCONNECTED
}

func (h *Handlers) linkedinAccount(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev linkedinAccountEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.AccountID == "" {
		httputil.BadRequest(w, "invalid account event")
		return
	}
	ctx := r.Context()
	companyID, err := h.Store.CompanyByLinkedInAccount(ctx, ev.AccountID)
	if err != nil {
		httputil.NotFound(w, "unknown linkedin account")
		return
	}
	if _, err := h.Store.RecordWebhookEvent(ctx, "linkedin-account", ev.EventID); err != nil {
		httputil.InternalError(w, err)
		return
	}

	connected := strings.EqualFold(ev.Status, "OK")
	if err := h.Store.SetLinkedInConnected(ctx, companyID, connected); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if connected {
		err = h.Store.ResumeChannel(ctx, companyID, domain.ChannelLinkedIn)
	} else {
		err = h.Store.PauseChannel(ctx, companyID, domain.ChannelLinkedIn, "linkedin account "+ev.Status)
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	logger.Info("linkedin account status", "company_id", companyID.String(), "status", ev.Status)
	httputil.OK(w, map[string]string{"status": "ok"})
}

type linkedinMessageEvent struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender"` // "them" for inbound
	Text      string `json:"text"`
}

func (h *Handlers) linkedinMessage(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev linkedinMessageEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ChatID == "" {
		httputil.BadRequest(w, "invalid message event")
		return
	}
	if ev.Sender != "them" {
		// Echo of our own outbound message.
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}
	if _, err := h.Store.RecordWebhookEvent(r.Context(), "linkedin-message", ev.EventID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.Store.MarkLinkedInReplied(r.Context(), ev.ChatID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}
