package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatch metric and dimension names.
const (
	MetricAPIRequest     = "APIRequest"
	MetricAPILatency     = "APILatency"
	MetricPrediction     = "Prediction"
	MetricPredictionTime = "PredictionLatency"
	MetricPersistence    = "PredictionPersistence"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
	DimOutcome  = "Outcome"
)

const putTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch emits metrics with PutMetricData. Failures are logged and never
// returned; telemetry must not fail a request.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Collector = (*CloudWatch)(nil)

// NewCloudWatch creates a collector publishing to namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// detached keeps ctx values but drops its cancellation, bounding the call by
// putTimeout instead.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
}

func (c *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.Error("failed to put metric data",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordRequest implements core.MetricsCollector. The request context has
// ended by the time this runs, so a short detached context is used.
func (c *CloudWatch) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	c.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dim(DimMethod, method),
				dim(DimEndpoint, endpoint),
				dim(DimStatus, status),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				dim(DimMethod, method),
				dim(DimEndpoint, endpoint),
			},
		},
	)
}

// RecordPrediction implements Collector.
func (c *CloudWatch) RecordPrediction(ctx context.Context, outcome string, duration time.Duration) {
	ctx, cancel := detached(ctx)
	defer cancel()

	c.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricPrediction),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(DimOutcome, outcome)},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricPredictionTime),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(DimOutcome, outcome)},
		},
	)
}

// RecordPersistence implements Collector.
func (c *CloudWatch) RecordPersistence(ctx context.Context, outcome string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPersistence),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(DimOutcome, outcome)},
	})
}
