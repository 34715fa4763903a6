// Package sesmail sends tenant email through AWS SES v2 for tenants whose
// sending account is SES-backed.
package sesmail

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/cadencehq/engage/internal/retrypolicy"
)

// Message mirrors the SMTP transport's message shape so the dispatcher can
// switch transports on account type alone.
type Message struct {
	FromName  string
	FromEmail string
	To        string
	ReplyTo   string
	Subject   string
	HTMLBody  string
}

// Sender wraps an SES v2 client.
type Sender struct {
	client sesAPI
}

// sesAPI is the slice of the SES client we call, for tests.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// NewSender builds an SES sender with static credentials.
func NewSender(ctx context.Context, region, accessKey, secretKey string) (*Sender, error) {
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Sender{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewSenderWithClient is for tests.
func NewSenderWithClient(client sesAPI) *Sender {
	return &Sender{client: client}
}

// Send delivers the message and returns the SES message id.
func (s *Sender) Send(ctx context.Context, msg Message) (string, error) {
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody)},
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	return aws.ToString(out.MessageId), nil
}

// classify maps SES API errors onto dispatch dispositions.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "accountsuspended"), strings.Contains(msg, "sendingpaused"):
		return fmt.Errorf("%w: ses: %v", retrypolicy.ErrAuth, err)
	case strings.Contains(msg, "toomanyrequests"), strings.Contains(msg, "limitexceeded"):
		return fmt.Errorf("%w: ses: %v", retrypolicy.ErrRateLimited, err)
	}
	return fmt.Errorf("ses send: %w", err)
}
