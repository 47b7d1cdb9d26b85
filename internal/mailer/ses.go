package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/rallymail-backend/internal/logger"
)

// SESSender sends raw MIME messages through AWS SES v2 so attachments survive.
type SESSender struct {
	client *sesv2.Client
}

// NewSESSender uses static credentials when given, otherwise the default AWS
// credential chain.
func NewSESSender(ctx context.Context, region, accessKey, secretKey string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg)}, nil
}

func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromAddress),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw.Bytes()},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if accountUnusable(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("ses send: %w", err)
	}

	log.Debug().Str("to", logger.RedactEmail(msg.To)).Str("message_id", aws.ToString(result.MessageId)).Msg("[SES] sent")
	return nil
}

func accountUnusable(err error) bool {
	var suspended *types.AccountSuspendedException
	var paused *types.SendingPausedException
	var unverified *types.MailFromDomainNotVerifiedException
	return errors.As(err, &suspended) || errors.As(err, &paused) || errors.As(err, &unverified)
}

var _ Sender = (*SESSender)(nil)
