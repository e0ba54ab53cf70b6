package adapters

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/qubitops/costguard/internal/metrics"
)

// CloudWatchSink pushes metric samples to CloudWatch. Implements metrics.Sink.
// Failures are handled by the caller's best-effort policy.
type CloudWatchSink struct {
	client    *cloudwatch.Client
	namespace string
}

// NewCloudWatchSink resolves AWS configuration from the environment.
func NewCloudWatchSink(ctx context.Context, namespace string) (*CloudWatchSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &CloudWatchSink{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	}, nil
}

// Emit publishes the samples in one PutMetricData call.
func (s *CloudWatchSink) Emit(ctx context.Context, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	data := make([]cwtypes.MetricDatum, 0, len(samples))
	for _, sample := range samples {
		datum := cwtypes.MetricDatum{
			MetricName: aws.String(sample.Name),
			Value:      aws.Float64(sample.Value),
			Timestamp:  aws.Time(sample.Timestamp),
			Unit:       cwtypes.StandardUnitNone,
		}
		for name, value := range sample.Dimensions {
			datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
				Name:  aws.String(name),
				Value: aws.String(value),
			})
		}
		data = append(data, datum)
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
