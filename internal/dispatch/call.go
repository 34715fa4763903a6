package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
	"github.com/cadencehq/engage/internal/transport/telephony"
)

// sendCall places one outbound call. "Sent" means the provider accepted the
// call; the outcome arrives later on the completion webhook.
func (d *Dispatcher) sendCall(ctx context.Context, j *job) error {
	item := j.item

	script, err := d.callScript(ctx, j)
	if err != nil {
		return err
	}

	// Process-wide provider ceiling, shared across all tenants.
	if d.Guard != nil {
		allowed, wait, err := d.Guard.Reserve(ctx, "telephony", 1)
		if err != nil {
			return err
		}
		if !allowed {
			return &requeueAt{
				at:     time.Now().Add(wait),
				reason: "telephony provider window exhausted",
			}
		}
	}

	callID, err := d.Telephony.StartCall(ctx, telephony.CallRequest{
		PhoneNumber: j.lead.PhoneNumber,
		Task:        script,
		FromNumber:  j.company.PhoneNumber,
		WebhookURL:  d.PublicBaseURL + "/webhooks/call",
		Metadata: map[string]string{
			"company_id":      j.company.ID.String(),
			"campaign_id":     j.campaign.ID.String(),
			"campaign_run_id": item.CampaignRunID.String(),
			"lead_id":         j.lead.ID.String(),
		},
	})
	if err != nil {
		return err
	}

	if _, err := d.Store.CreateCallRecord(ctx, domain.CallRecord{
		CompanyID:      j.company.ID,
		CampaignID:     j.campaign.ID,
		CampaignRunID:  item.CampaignRunID,
		LeadID:         j.lead.ID,
		ProviderCallID: callID,
		Script:         script,
	}); err != nil {
		// The call is already ringing; a retry here would place a second one.
		return fmt.Errorf("%w: record call %s after start: %v", retrypolicy.ErrDataIntegrity, callID, err)
	}
	return nil
}

func (d *Dispatcher) callScript(ctx context.Context, j *job) (string, error) {
	if j.item.CallScript != "" {
		return j.item.CallScript, nil
	}
	if j.campaign.CallScriptTemplate != "" {
		script, err := renderTemplate(j.campaign.CallScriptTemplate, j)
		if err != nil {
			return "", err
		}
		if uerr := d.Store.UpdateItemContent(ctx, j.item.ID, "", "", script); uerr != nil {
			return "", uerr
		}
		return script, nil
	}
	content, err := d.generate(ctx, j, "")
	if err != nil {
		return "", err
	}
	if uerr := d.Store.UpdateItemContent(ctx, j.item.ID, "", "", content.Script); uerr != nil {
		return "", uerr
	}
	return content.Script, nil
}
