package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used for email pages.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailChannel sends pages through Amazon SES.
type EmailChannel struct {
	client SESAPI
	from   string
}

func NewEmailChannel(client SESAPI, from string) *EmailChannel {
	return &EmailChannel{client: client, from: from}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, c Contact, m Message) error {
	if c.Address == "" {
		return Permanent(fmt.Errorf("email contact %q has no address", c.Name))
	}
	_, err := e.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{c.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(m.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(m.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Source: aws.String(e.from),
	})
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", c.Address, err)
	}
	return nil
}
