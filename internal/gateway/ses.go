package gateway

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
)

// SESGateway sends through AWS SES v2. Per-message delivery outcomes are not
// queryable without an event destination, so QueryStatus always reports
// unknown and rows settle on the grace-period path.
type SESGateway struct {
	client *sesv2.Client
	region string
}

// NewSES creates an SES gateway from static credentials.
func NewSES(accessKey, secretKey, region string) (*SESGateway, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("SES credentials not configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("init AWS config: %w", err)
	}
	return &SESGateway{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// Send delivers one message through SES.
func (g *SESGateway) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", env.FromName, env.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{env.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(env.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("contact_id"), Value: aws.String(env.ContactID)},
			{Name: aws.String("batch_id"), Value: aws.String(env.BatchID)},
			{Name: aws.String("email_type"), Value: aws.String(env.Kind)},
		},
	}
	if env.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(env.TextBody), Charset: aws.String("UTF-8")}
	}
	if env.ReplyTo != "" {
		input.ReplyToAddresses = []string{env.ReplyTo}
	}

	result, err := g.client.SendEmail(ctx, input)
	if err != nil {
		// The SDK folds throttling and server faults into the error; retry
		// either way and let the attempt cap stop permanent rejections.
		return &SendResult{Accepted: false, Error: err.Error(), Transient: true}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses accepted message", "recipient", env.To, "message_id", messageID)
	return &SendResult{Accepted: true, MessageID: messageID}, nil
}

// QueryStatus is unsupported on SES.
func (g *SESGateway) QueryStatus(_ context.Context, _ string) (*StatusResult, error) {
	return &StatusResult{Status: DeliveryUnknown, Details: "ses does not expose per-message status"}, nil
}
