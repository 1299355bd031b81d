package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/critvals/internal/escalation"
)

type fakeSES struct {
	in  *ses.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.in = in
	return &ses.SendEmailOutput{}, f.err
}

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{}, f.err
}

func TestEmailChannelBuildsSESRequest(t *testing.T) {
	client := &fakeSES{}
	ch := NewEmailChannel(client, "alerts@hospital.example")
	msg := NewMessage(sampleAlert(), escalation.TierPrimary, "attending_physician")

	require.NoError(t, ch.Send(context.Background(), Contact{Name: "Dr. Wilson", Address: "wilson@hospital.example"}, msg))
	require.NotNil(t, client.in)
	assert.Equal(t, []string{"wilson@hospital.example"}, client.in.Destination.ToAddresses)
	assert.Equal(t, "alerts@hospital.example", aws.ToString(client.in.Source))
	assert.Equal(t, msg.Subject, aws.ToString(client.in.Message.Subject.Data))
	assert.Equal(t, msg.Body, aws.ToString(client.in.Message.Body.Text.Data))

	client.err = errors.New("throttled")
	err := ch.Send(context.Background(), Contact{Name: "Dr. Wilson", Address: "wilson@hospital.example"}, msg)
	assert.ErrorContains(t, err, "throttled")
	assert.False(t, IsPermanent(err))

	err = ch.Send(context.Background(), Contact{Name: "nobody"}, msg)
	assert.True(t, IsPermanent(err))
}

func TestSMSChannelPublishesToPhone(t *testing.T) {
	client := &fakeSNS{}
	ch := NewSMSChannel(client, "CRITLAB")
	msg := NewMessage(sampleAlert(), escalation.TierSecondary, "medical_director")

	require.NoError(t, ch.Send(context.Background(), Contact{Name: "Dr. Adams", Address: "+15550100"}, msg))
	assert.Equal(t, "+15550100", aws.ToString(client.in.PhoneNumber))
	assert.True(t, strings.HasPrefix(aws.ToString(client.in.Message), "ESCALATION (secondary)"))
	assert.Contains(t, aws.ToString(client.in.Message), "Ack id a-1")
	assert.Equal(t, "CRITLAB", aws.ToString(client.in.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))

	err := ch.Send(context.Background(), Contact{Name: "nobody"}, msg)
	assert.True(t, IsPermanent(err))
}
