package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// NewClient builds an SQS client. In dev mode it talks to a local endpoint
// with dummy credentials.
func NewClient(ctx context.Context, devMode bool, endpoint string) (*sqs.Client, error) {
	if devMode {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return sqs.NewFromConfig(cfg), nil
}

// QueueURL finds the url of a queue by name.
func QueueURL(ctx context.Context, client *sqs.Client, queueName string) (string, error) {
	output, err := client.ListQueues(ctx, &sqs.ListQueuesInput{})
	if err != nil {
		return "", err
	}

	for _, q := range output.QueueUrls {
		if strings.HasSuffix(q, "/"+queueName) {
			return q, nil
		}
	}

	return "", fmt.Errorf("given queue name '%s' not found in SQS", queueName)
}
