package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"

	"github.com/mattjoyce/critvals/internal/alert"
)

// SQSAPI is the subset of the SQS client the source uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig names the queue and long-poll settings.
type SQSConfig struct {
	QueueName   string
	QueueURL    string
	WaitSeconds int32
	MaxMessages int32
}

// SQSSource long-polls an SQS queue. Messages are deleted only after every
// result in them was handled; anything else is left for the queue's redrive
// policy.
type SQSSource struct {
	client SQSAPI
	cfg    SQSConfig
	logger *slog.Logger
	// pause after a receive error before polling again
	errBackoff time.Duration
}

func NewSQSSource(client SQSAPI, cfg SQSConfig, logger *slog.Logger) (*SQSSource, error) {
	if cfg.QueueURL == "" && cfg.QueueName == "" {
		return nil, fmt.Errorf("sqs: queue_url or queue_name is required")
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 10
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &SQSSource{
		client:     client,
		cfg:        cfg,
		logger:     logger.With("component", "ingest.sqs"),
		errBackoff: 5 * time.Second,
	}, nil
}

func (s *SQSSource) Name() string {
	if s.cfg.QueueName != "" {
		return "sqs:" + s.cfg.QueueName
	}
	return "sqs:" + s.cfg.QueueURL
}

func (s *SQSSource) resolveQueueURL(ctx context.Context) (string, error) {
	if s.cfg.QueueURL != "" {
		return s.cfg.QueueURL, nil
	}
	resp, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.cfg.QueueName)})
	if err != nil {
		return "", fmt.Errorf("get queue url for %s: %w", s.cfg.QueueName, err)
	}
	return aws.ToString(resp.QueueUrl), nil
}

type sqsEnvelope struct {
	receipt string
	id      string
	results []alert.LabResult
	err     error
}

func (s *SQSSource) Run(ctx context.Context, h Handler) error {
	queueURL, err := s.resolveQueueURL(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("polling queue", "queue_url", queueURL)

	for ctx.Err() == nil {
		resp, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: s.cfg.MaxMessages,
			WaitTimeSeconds:     s.cfg.WaitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.errBackoff):
			}
			continue
		}

		envelopes := lo.Map(resp.Messages, func(m types.Message, _ int) sqsEnvelope {
			results, err := Decode([]byte(aws.ToString(m.Body)), "sqs")
			return sqsEnvelope{
				receipt: aws.ToString(m.ReceiptHandle),
				id:      aws.ToString(m.MessageId),
				results: results,
				err:     err,
			}
		})

		for _, env := range envelopes {
			if s.handle(ctx, env, h) {
				s.delete(ctx, queueURL, env)
			}
		}
	}
	return nil
}

func (s *SQSSource) handle(ctx context.Context, env sqsEnvelope, h Handler) bool {
	if env.err != nil {
		s.logger.Warn("leaving malformed message for redrive", "message_id", env.id, "error", env.err)
		return false
	}
	ok := true
	for _, r := range env.results {
		if err := h(ctx, r); err != nil {
			ok = false
			s.logger.Error("lab result rejected",
				"message_id", env.id, "patient_id", r.PatientID, "test", r.Test, "error", err)
		}
	}
	return ok
}

func (s *SQSSource) delete(ctx context.Context, queueURL string, env sqsEnvelope) {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(env.receipt),
	})
	if err != nil {
		s.logger.Error("delete message failed", "message_id", env.id, "error", err)
	}
}

// NewSQSClient builds an SQS client from a loaded AWS config.
func NewSQSClient(cfg aws.Config) *sqs.Client {
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	})
}
