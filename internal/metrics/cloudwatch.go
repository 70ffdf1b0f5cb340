package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "bidaskflow/config"
	"bidaskflow/logger"
)

// CloudWatchPublisher pushes reporting-tick snapshots to CloudWatch. It is an
// owned instance handed to the collector, never package-level state. Publish
// failures are logged and dropped.
type CloudWatchPublisher struct {
	client    *cloudwatch.Client
	namespace string
	log       *logger.Log
}

// NewCloudWatchPublisher builds the CloudWatch client from the default AWS
// credential chain plus the configured region.
func NewCloudWatchPublisher(ctx context.Context, cwCfg appconfig.CloudWatchConfig, log *logger.Log) (*CloudWatchPublisher, error) {
	opts := []func(*config.LoadOptions) error{}
	if cwCfg.Region != "" {
		opts = append(opts, config.WithRegion(cwCfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	p := &CloudWatchPublisher{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: cwCfg.Namespace,
		log:       log,
	}

	log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": p.namespace,
	}).Info("initialized CloudWatch client")

	if err := p.EnsureDashboard(ctx); err != nil {
		log.WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}

	return p, nil
}

// Publish sends one datum per headline counter. Errors are logged, never
// returned, so a CloudWatch outage cannot disturb the reporting loop.
func (p *CloudWatchPublisher) Publish(ctx context.Context, snap Snapshot) {
	log := p.log.WithComponent("cloudwatch")

	count := func(name string, value int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(value)),
		}
	}
	seconds := func(name string, value float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitSeconds,
			Value:      aws.Float64(value),
		}
	}

	data := []cwtypes.MetricDatum{
		count("FramesReceived", snap.Data.FramesReceived),
		count("OrderBookUpdates", snap.Data.OrderBookUpdates),
		count("TradeUpdates", snap.Data.TradeUpdates),
		count("InvalidMessages", snap.Data.InvalidMessages),
		count("DuplicatesSuppressed", snap.Data.DuplicatesSuppressed),
		count("RecordsAccepted", snap.Data.RecordsAccepted),
		count("DatabaseWrites", snap.Data.DatabaseWrites),
		count("DatabaseErrors", snap.Data.DatabaseErrors),
		count("ArchiveWrites", snap.Data.ArchiveWrites),
		count("ArchiveErrors", snap.Data.ArchiveErrors),
		count("FailedConnections", snap.Connection.FailedConnections),
		count("ReconnectAttempts", snap.Connection.ReconnectAttempts),
		count("ForcedReconnects", snap.Health.ForcedReconnects),
		seconds("ConnectionUptime", snap.Connection.CurrentUptimeSeconds),
	}
	if snap.Data.SecondsSinceLastData != nil {
		data = append(data, seconds("SecondsSinceLastData", *snap.Data.SecondsSinceLastData))
	}

	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(logger.Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}

// EnsureDashboard creates or updates the feed overview dashboard.
func (p *CloudWatchPublisher) EnsureDashboard(ctx context.Context) error {
	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","FramesReceived"],
    ["%[1]s","RecordsAccepted"],
    ["%[1]s","DatabaseWrites"],
    ["%[1]s","SecondsSinceLastData"]
],
"period": 60,
"stat": "Average",
"title": "Bidaskflow Feed Health"
}
}]
}`, p.namespace)

	_, err := p.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(p.namespace),
		DashboardBody: aws.String(body),
	})
	return err
}
