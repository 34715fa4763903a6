package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
	"github.com/cadencehq/engage/internal/store"
	"github.com/cadencehq/engage/internal/throttle"
)

// firstDegree is the integrator's label for direct connections, the only
// ones reachable with a plain message.
const firstDegree = "FIRST_DEGREE"

// linkedInAction picks the outreach for a lead. First-degree connections
// get a direct message. Beyond first degree an invitation needs a campaign
// note to attach, so the invitation template gates it; InMail is the
// fallback when the campaign pays for it. With neither there is no route.
func linkedInAction(distance string, campaign *domain.Campaign) (domain.LinkedInAction, bool) {
	switch {
	case distance == firstDegree:
		return domain.LinkedInMessage, true
	case campaign.InvitationTemplate != "":
		return domain.LinkedInInvitation, true
	case campaign.InMailEnabled:
		return domain.LinkedInInMail, true
	default:
		return "", false
	}
}

// sendLinkedIn delivers one LinkedIn item.
func (d *Dispatcher) sendLinkedIn(ctx context.Context, j *job) error {
	item := j.item

	if !j.company.LinkedInConnected {
		return fmt.Errorf("%w: linkedin account not connected", retrypolicy.ErrAuth)
	}

	action, ok := linkedInAction(j.lead.LinkedInDistance, j.campaign)
	if !ok {
		return &skipItem{reason: fmt.Sprintf(
			"lead at %s: no invitation template and inmail disabled", j.lead.LinkedInDistance)}
	}

	if action == domain.LinkedInInvitation {
		// Invitations carry their own daily ceiling; hitting it parks the
		// item at the tenant's next local day without consuming a retry.
		if parked, err := d.invitationCapReached(ctx, j); err != nil {
			return err
		} else if parked != nil {
			return parked
		}
	}

	text, err := d.linkedInText(ctx, j, action)
	if err != nil {
		return err
	}

	var result *linkedInResult
	switch action {
	case domain.LinkedInMessage:
		chatID, err := d.Store.LatestLinkedInChat(ctx, j.lead.ID)
		if err != nil {
			return err
		}
		res, err := d.LinkedIn.SendMessage(ctx, j.company.LinkedInAccountID, j.lead.LinkedInID, chatID, text)
		if err != nil {
			return err
		}
		result = &linkedInResult{ChatID: res.ChatID, MessageID: res.MessageID}

	case domain.LinkedInInvitation:
		res, err := d.LinkedIn.SendInvitation(ctx, j.company.LinkedInAccountID, j.lead.LinkedInID, text)
		if err != nil {
			return err
		}
		result = &linkedInResult{MessageID: res.MessageID}

	case domain.LinkedInInMail:
		res, err := d.LinkedIn.SendInMail(ctx, j.company.LinkedInAccountID, j.lead.LinkedInID, j.campaign.Name, text)
		if err != nil {
			return err
		}
		result = &linkedInResult{ChatID: res.ChatID, MessageID: res.MessageID}
	}

	if _, err := d.Store.CreateLinkedInLog(ctx, domain.LinkedInLog{
		CompanyID:     j.company.ID,
		CampaignID:    j.campaign.ID,
		CampaignRunID: item.CampaignRunID,
		LeadID:        j.lead.ID,
		Action:        action,
		ChatID:        result.ChatID,
		MessageID:     result.MessageID,
		Text:          text,
	}); err != nil {
		return fmt.Errorf("%w: record linkedin %s after send: %v", retrypolicy.ErrDataIntegrity, action, err)
	}
	return nil
}

type linkedInResult struct {
	ChatID    string
	MessageID string
}

// invitationCapReached checks the daily invitation ceiling. The Redis guard
// is authoritative; without one the tenant's own invitation log backs the
// same cap. Returns the parking error when the day is spent.
func (d *Dispatcher) invitationCapReached(ctx context.Context, j *job) (*requeueAt, error) {
	loc := tenantLocation(j.company.Timezone)
	parked := &requeueAt{
		at:     store.NextDayStart(time.Now(), loc),
		reason: "linkedin invitation daily cap reached",
	}

	if d.Guard != nil {
		allowed, _, err := d.Guard.Reserve(ctx, "linkedin_invitation", 1)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return parked, nil
		}
		return nil, nil
	}

	dayStart := store.NextDayStart(time.Now(), loc).AddDate(0, 0, -1)
	sent, err := d.Store.CountLinkedInInvitations(ctx, j.company.ID, dayStart)
	if err != nil {
		return nil, err
	}
	if sent >= throttle.ProviderLimits["linkedin_invitation"].PerDay {
		return parked, nil
	}
	return nil, nil
}

func (d *Dispatcher) linkedInText(ctx context.Context, j *job, action domain.LinkedInAction) (string, error) {
	if j.item.Body != "" {
		return j.item.Body, nil
	}
	tmpl := j.campaign.LinkedInTemplate
	if action == domain.LinkedInInvitation {
		tmpl = j.campaign.InvitationTemplate
	}
	if tmpl != "" {
		text, err := renderTemplate(tmpl, j)
		if err != nil {
			return "", err
		}
		if uerr := d.Store.UpdateItemContent(ctx, j.item.ID, "", text, ""); uerr != nil {
			return "", uerr
		}
		return text, nil
	}
	content, err := d.generate(ctx, j, "")
	if err != nil {
		return "", err
	}
	if uerr := d.Store.UpdateItemContent(ctx, j.item.ID, "", content.Body, ""); uerr != nil {
		return "", uerr
	}
	return content.Body, nil
}
