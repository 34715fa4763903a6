// Package dispatch executes leased queue items against the outbound
// channels. One Dispatcher serves all channels; the per-channel send paths
// live in email.go, call.go, and linkedin.go.
//
// A dispatch always releases its lease: success terminates the item as
// sent, failures are classified and either requeued with backoff or
// terminated with a diagnostic. Cheap local checks run before any transport
// is opened.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cadencehq/engage/internal/aigen"
	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/secrets"
	"github.com/cadencehq/engage/internal/retrypolicy"
	"github.com/cadencehq/engage/internal/store"
	"github.com/cadencehq/engage/internal/throttle"
	"github.com/cadencehq/engage/internal/transport/linkedin"
	"github.com/cadencehq/engage/internal/transport/sesmail"
	"github.com/cadencehq/engage/internal/transport/smtpmail"
	"github.com/cadencehq/engage/internal/transport/telephony"
)

// Dispatcher sends leased queue items. All fields are required except SES,
// which may be nil when no tenant uses an SES-backed account.
type Dispatcher struct {
	Store   *store.Store
	AI      *aigen.Client
	Secrets *secrets.Box
	Guard   *throttle.ProviderGuard

	SMTP      *smtpmail.Sender
	SES       *sesmail.Sender
	Telephony *telephony.Client
	LinkedIn  *linkedin.Client

	// PublicBaseURL is where webhooks and the tracking pixel are served.
	PublicBaseURL string
}

// job carries the resolved context of one item through the send path.
type job struct {
	item     domain.QueueItem
	company  *domain.Company
	campaign *domain.Campaign
	product  *domain.Product
	lead     *domain.Lead
}

// Dispatch executes one leased item end to end. The returned error is for
// logging only; the item's queue state has already been settled.
func (d *Dispatcher) Dispatch(ctx context.Context, item domain.QueueItem) error {
	j, err := d.resolve(ctx, item)
	if err != nil {
		return d.settle(ctx, item, err)
	}

	// Cancellation wins over any leased work.
	status, err := d.Store.RunStatusOf(ctx, item.CampaignRunID)
	if err != nil {
		return d.settle(ctx, item, err)
	}
	if status == domain.RunCancelled {
		if err := d.Store.Terminate(ctx, item.ID, domain.QueueCancelled, "run cancelled"); err != nil && !errors.Is(err, store.ErrNotLeased) {
			return err
		}
		return nil
	}

	contact := j.lead.ContactFor(item.Channel)
	if contact == "" {
		return d.settle(ctx, item, fmt.Errorf("%w: lead %s has no %s contact", retrypolicy.ErrPermanent, j.lead.ID, item.Channel))
	}
	listed, err := d.Store.IsDoNotContact(ctx, item.CompanyID, contact)
	if err != nil {
		return d.settle(ctx, item, err)
	}
	if listed {
		return d.settle(ctx, item, fmt.Errorf("%w: contact is on the do-not-contact list", retrypolicy.ErrPermanent))
	}

	switch item.Channel {
	case domain.ChannelEmail:
		err = d.sendEmail(ctx, j)
	case domain.ChannelCall:
		err = d.sendCall(ctx, j)
	case domain.ChannelLinkedIn:
		err = d.sendLinkedIn(ctx, j)
	default:
		err = fmt.Errorf("%w: unknown channel %q", retrypolicy.ErrDataIntegrity, item.Channel)
	}
	return d.settle(ctx, item, err)
}

// resolve loads the entities an item references. A missing or
// blocking-soft-deleted reference is terminal; nothing will bring it back.
func (d *Dispatcher) resolve(ctx context.Context, item domain.QueueItem) (*job, error) {
	company, err := d.Store.GetCompany(ctx, item.CompanyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: company %s not found or deleted", retrypolicy.ErrDataIntegrity, item.CompanyID)
		}
		return nil, err
	}
	campaign, err := d.Store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: campaign %s not found", retrypolicy.ErrDataIntegrity, item.CampaignID)
		}
		return nil, err
	}
	if campaign.Deleted {
		return nil, fmt.Errorf("%w: campaign %s is deleted", retrypolicy.ErrDataIntegrity, item.CampaignID)
	}
	product, err := d.Store.GetProduct(ctx, campaign.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %s not found", retrypolicy.ErrDataIntegrity, campaign.ProductID)
		}
		return nil, err
	}
	lead, err := d.Store.GetLead(ctx, item.LeadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: lead %s not found", retrypolicy.ErrDataIntegrity, item.LeadID)
		}
		return nil, err
	}
	if lead.Deleted || lead.Unsubscribed || lead.DoNotContact {
		return nil, fmt.Errorf("%w: lead %s is no longer contactable", retrypolicy.ErrPermanent, item.LeadID)
	}
	return &job{item: item, company: company, campaign: campaign, product: product, lead: lead}, nil
}

// requeueAt is returned by send paths that hit a provider window; the item
// goes back to pending at the given time without consuming a retry.
type requeueAt struct {
	at     time.Time
	reason string
}

func (r *requeueAt) Error() string { return r.reason }

// skipItem is returned when a send path determines the item has no viable
// route for this lead; the item is cancelled with the reason, not failed.
type skipItem struct {
	reason string
}

func (s *skipItem) Error() string { return s.reason }

// settle releases the lease according to the outcome.
func (d *Dispatcher) settle(ctx context.Context, item domain.QueueItem, sendErr error) error {
	if sendErr == nil {
		if err := d.Store.Terminate(ctx, item.ID, domain.QueueSent, ""); err != nil {
			if errors.Is(err, store.ErrNotLeased) {
				// The lease was reclaimed mid-send. The send already happened;
				// nothing to unwind, the recovery pass owns the row now.
				log.Printf("[Dispatch] item %s sent but lease lost", item.ID)
				return nil
			}
			return err
		}
		if item.Stage == domain.StageInitial {
			if err := d.Store.IncrementLeadsProcessed(ctx, item.CampaignRunID); err != nil {
				log.Printf("[Dispatch] increment leads_processed for run %s: %v", item.CampaignRunID, err)
			}
		}
		return nil
	}

	var skip *skipItem
	if errors.As(sendErr, &skip) {
		if err := d.Store.Terminate(ctx, item.ID, domain.QueueCancelled, skip.reason); err != nil && !errors.Is(err, store.ErrNotLeased) {
			return err
		}
		log.Printf("[Dispatch] item %s skipped: %s", item.ID, skip.reason)
		return nil
	}

	var window *requeueAt
	if errors.As(sendErr, &window) {
		if err := d.Store.Requeue(ctx, item.ID, window.at, item.RetryCount, window.reason); err != nil && !errors.Is(err, store.ErrNotLeased) {
			return err
		}
		return nil
	}

	if errors.Is(sendErr, aigen.ErrUnusable) {
		return d.fail(ctx, item, sendErr)
	}

	switch retrypolicy.Classify(sendErr) {
	case retrypolicy.RateLimited:
		// Back to the queue at the next hour boundary, retry budget intact.
		next := time.Now().Truncate(time.Hour).Add(time.Hour)
		if err := d.Store.Requeue(ctx, item.ID, next, item.RetryCount, sendErr.Error()); err != nil && !errors.Is(err, store.ErrNotLeased) {
			return err
		}
		return nil

	case retrypolicy.AuthFailure:
		log.Printf("[Dispatch] ALERT: auth failure for company %s on %s, pausing channel: %v",
			item.CompanyID, item.Channel, sendErr)
		if err := d.Store.PauseChannel(ctx, item.CompanyID, item.Channel, sendErr.Error()); err != nil {
			log.Printf("[Dispatch] pause channel: %v", err)
		}
		return d.fail(ctx, item, sendErr)

	case retrypolicy.Permanent:
		if n, err := d.Store.CancelPendingForLead(ctx, item.LeadID, item.Channel, "contact unreachable: "+sendErr.Error()); err != nil {
			log.Printf("[Dispatch] cancel pending for lead %s: %v", item.LeadID, err)
		} else if n > 0 {
			log.Printf("[Dispatch] dropped %d pending %s items for lead %s", n, item.Channel, item.LeadID)
		}
		return d.fail(ctx, item, sendErr)

	case retrypolicy.DataIntegrity:
		return d.fail(ctx, item, sendErr)
	}

	// Transient: retry with backoff until the budget runs out.
	policy := policyFor(item.Channel)
	newCount := item.RetryCount + 1
	if newCount >= item.MaxRetries {
		return d.fail(ctx, item, fmt.Errorf("retries exhausted: %w", sendErr))
	}
	next := policy.NextAttempt(time.Now().UTC(), item.RetryCount)
	if err := d.Store.Requeue(ctx, item.ID, next, newCount, sendErr.Error()); err != nil && !errors.Is(err, store.ErrNotLeased) {
		return err
	}
	log.Printf("[Dispatch] item %s requeued (attempt %d/%d): %v", item.ID, newCount, item.MaxRetries, sendErr)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, item domain.QueueItem, sendErr error) error {
	if err := d.Store.Terminate(ctx, item.ID, domain.QueueFailed, sendErr.Error()); err != nil && !errors.Is(err, store.ErrNotLeased) {
		return err
	}
	log.Printf("[Dispatch] item %s failed: %v", item.ID, sendErr)
	return nil
}

func policyFor(ch domain.Channel) retrypolicy.Policy {
	if ch == domain.ChannelEmail {
		return retrypolicy.EmailPolicy()
	}
	return retrypolicy.DefaultPolicy()
}

// senderName derives a display name from the account email local part,
// falling back to the company name. "jane.doe@acme.com" → "Jane Doe".
func senderName(accountEmail, companyName string) string {
	local, _, found := strings.Cut(accountEmail, "@")
	if !found || local == "" {
		return companyName
	}
	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || (r >= '0' && r <= '9')
	})
	if len(words) == 0 {
		return companyName
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// tenantLocation resolves the company timezone, falling back to UTC.
func tenantLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// generate calls the content service for an item with empty content.
func (d *Dispatcher) generate(ctx context.Context, j *job, strategy string) (*aigen.Content, error) {
	return d.AI.Generate(ctx, aigen.Request{
		Channel:     string(j.item.Channel),
		Stage:       j.item.Stage,
		Strategy:    strategy,
		CampaignID:  j.campaign.ID.String(),
		LeadID:      j.lead.ID.String(),
		LeadName:    j.lead.Name,
		LeadCompany: j.lead.CompanyName,
		JobTitle:    j.lead.JobTitle,
		Enrichment:  j.lead.Enrichment,
		ProductName: j.product.Name,
		ProductDesc: j.product.Description,
	})
}
