package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used for SMS pages.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

const maxSMSLength = 320

// SMSChannel texts pages to phone numbers through Amazon SNS.
type SMSChannel struct {
	client   SNSAPI
	senderID string
}

func NewSMSChannel(client SNSAPI, senderID string) *SMSChannel {
	return &SMSChannel{client: client, senderID: senderID}
}

func (s *SMSChannel) Name() string { return "sms" }

func (s *SMSChannel) Send(ctx context.Context, c Contact, m Message) error {
	if c.Address == "" {
		return Permanent(fmt.Errorf("sms contact %q has no phone number", c.Name))
	}

	text := fmt.Sprintf("%s. Ack id %s", m.Subject, m.AlertID)
	if len(text) > maxSMSLength {
		text = text[:maxSMSLength]
	}

	in := &sns.PublishInput{
		PhoneNumber: aws.String(c.Address),
		Message:     aws.String(text),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if s.senderID != "" {
		in.MessageAttributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	if _, err := s.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("sns publish to %s: %w", c.Address, err)
	}
	return nil
}
