package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
	"github.com/cadencehq/engage/internal/store"
	"github.com/cadencehq/engage/internal/transport/sesmail"
	"github.com/cadencehq/engage/internal/transport/smtpmail"
)

// sendEmail delivers one email item. The log row exists before the send so
// its id can ride in the tracking pixel and the reply-to address.
func (d *Dispatcher) sendEmail(ctx context.Context, j *job) error {
	item := j.item

	// Reminder items reference the thread of the initial send; initial items
	// open (or rejoin) the thread.
	var logID uuid.UUID
	if item.EmailLogID != nil {
		logID = *item.EmailLogID
	} else {
		var err error
		logID, err = d.Store.CreateEmailLog(ctx, item.CampaignID, item.CampaignRunID, item.LeadID)
		if err != nil {
			return err
		}
	}

	subject, body, err := d.emailContent(ctx, j)
	if err != nil {
		return err
	}

	var inReplyTo string
	if item.EmailLogID != nil {
		// Thread the follow-up under the first message.
		first, err := d.Store.FirstEmailDetail(ctx, logID)
		if err == nil {
			inReplyTo = first.MessageID
			if first.Subject != "" {
				subject = "Re: " + first.Subject
			}
		} else if !isNotFound(err) {
			return err
		}
	}

	body += trackingPixel(d.PublicBaseURL, logID)

	var replyTo string
	if j.company.ReplyDomain != "" {
		replyTo = fmt.Sprintf("reply+%s@%s", logID, j.company.ReplyDomain)
	}
	fromName := senderName(j.company.AccountEmail, j.company.Name)

	var messageID string
	switch j.company.AccountType {
	case domain.AccountSES:
		if d.SES == nil {
			return fmt.Errorf("%w: company %s uses SES but no SES sender is configured", retrypolicy.ErrDataIntegrity, j.company.ID)
		}
		messageID, err = d.SES.Send(ctx, sesmail.Message{
			FromName:  fromName,
			FromEmail: j.company.AccountEmail,
			To:        j.lead.Email,
			ReplyTo:   replyTo,
			Subject:   subject,
			HTMLBody:  body,
		})
	default:
		password, derr := d.Secrets.Decrypt(j.company.AccountPassword)
		if derr != nil {
			return fmt.Errorf("%w: decrypt account credentials: %v", retrypolicy.ErrAuth, derr)
		}
		messageID, err = d.SMTP.Send(ctx, j.company.AccountType, j.company.AccountEmail, password, smtpmail.Message{
			FromName:  fromName,
			FromEmail: j.company.AccountEmail,
			To:        j.lead.Email,
			ReplyTo:   replyTo,
			Subject:   subject,
			HTMLBody:  body,
			InReplyTo: inReplyTo,
		})
	}
	if err != nil {
		return err
	}

	reminderType := ""
	if item.Stage != domain.StageInitial {
		reminderType = item.Stage
	}
	if err := d.Store.CreateEmailLogDetail(ctx, domain.EmailLogDetail{
		EmailLogsID:  logID,
		MessageID:    messageID,
		Subject:      subject,
		Body:         body,
		SenderType:   domain.SenderAssistant,
		ReminderType: reminderType,
		FromName:     fromName,
		FromEmail:    j.company.AccountEmail,
		ToEmail:      j.lead.Email,
		SentAt:       time.Now().UTC(),
	}); err != nil {
		// The send is out the door; a failed detail write must not retry it.
		return fmt.Errorf("%w: record email detail after send: %v", retrypolicy.ErrDataIntegrity, err)
	}

	if item.Stage == domain.StageInitial {
		d.chainCall(ctx, j)
	}
	return nil
}

// emailContent resolves the item's subject and body: content stored on the
// item wins (reminders are pre-generated), then the campaign template, then
// the content service. Generated content is persisted back on the item so a
// later retry does not pay for generation again.
func (d *Dispatcher) emailContent(ctx context.Context, j *job) (subject, body string, err error) {
	item := j.item
	if item.Body != "" {
		subject = item.Subject
		if subject == "" {
			subject = j.campaign.Name
		}
		return subject, item.Body, nil
	}

	if j.campaign.Template != "" {
		body, err = renderTemplate(j.campaign.Template, j)
		if err != nil {
			return "", "", err
		}
		subject = j.campaign.Name
	} else {
		content, gerr := d.generate(ctx, j, "")
		if gerr != nil {
			return "", "", gerr
		}
		subject, body = content.Subject, content.Body
		if subject == "" {
			subject = j.campaign.Name
		}
	}

	if uerr := d.Store.UpdateItemContent(ctx, item.ID, subject, body, ""); uerr != nil {
		return "", "", uerr
	}
	return subject, body, nil
}

// chainCall enqueues the follow-up call of an email_and_call campaign once
// the initial email is out. Best effort: a chaining failure never fails the
// email that already went.
func (d *Dispatcher) chainCall(ctx context.Context, j *job) {
	if j.campaign.Type != domain.CampaignEmailAndCall || j.campaign.TriggerCallOn != "after_email_sent" {
		return
	}
	if j.lead.PhoneNumber == "" {
		return
	}
	settings, err := d.Store.GetThrottleSettings(ctx, j.company.ID, domain.ChannelCall)
	if err != nil {
		settings = domain.DefaultThrottle(j.company.ID, domain.ChannelCall)
	}
	_, err = d.Store.EnqueueItems(ctx, []domain.QueueItem{{
		CompanyID:     j.company.ID,
		CampaignID:    j.campaign.ID,
		CampaignRunID: j.item.CampaignRunID,
		LeadID:        j.lead.ID,
		Channel:       domain.ChannelCall,
		Stage:         domain.StageInitial,
		Priority:      1,
		WorkStart:     settings.WorkStart,
		WorkEnd:       settings.WorkEnd,
		ScheduledFor:  time.Now().UTC(),
	}})
	if err != nil {
		log.Printf("[Dispatch] chain call for lead %s: %v", j.lead.ID, err)
	}
}

func trackingPixel(baseURL string, logID uuid.UUID) string {
	return fmt.Sprintf(`<img src="%s/t/open/%s.png" width="1" height="1" alt="" style="display:none"/>`, baseURL, logID)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
