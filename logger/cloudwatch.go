package logger

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerPut is the PutMetricData request limit.
const maxDatumsPerPut = 1000

// runtimeMetricsAPI is the part of the CloudWatch client the runtime report
// needs.
type runtimeMetricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type runtimeSink struct {
	client    runtimeMetricsAPI
	namespace string
	dashboard string
	region    string
}

var (
	cwMu   sync.RWMutex
	cwSink *runtimeSink
)

// InitCloudWatch enables publishing of the runtime report to CloudWatch and
// creates the runtime dashboard. An empty region falls back to AWS_REGION.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) error {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	s := useCloudWatch(cloudwatch.NewFromConfig(cfg), cfg.Region, namespace, dashboard)
	GetLogger().WithComponent("cloudwatch").WithFields(Fields{
		"region":    s.region,
		"namespace": s.namespace,
	}).Info("runtime metrics go to CloudWatch")
	return s.putDashboard(ctx)
}

func useCloudWatch(client runtimeMetricsAPI, region, namespace, dashboard string) *runtimeSink {
	s := &runtimeSink{client: client, region: region, namespace: "CandleFlow", dashboard: "CandleFlow-Runtime"}
	if namespace != "" {
		s.namespace = namespace
	}
	if dashboard != "" {
		s.dashboard = dashboard
	}
	cwMu.Lock()
	cwSink = s
	cwMu.Unlock()
	return s
}

func currentSink() *runtimeSink {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwSink
}

// publishMetrics is a no-op until InitCloudWatch succeeds. Data is split
// into requests of at most maxDatumsPerPut.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	s := currentSink()
	if s == nil || len(data) == 0 {
		return
	}
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(data))
		if _, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: data[start:end],
		}); err != nil {
			GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish runtime metrics")
			return
		}
	}
}

func (s *runtimeSink) putDashboard(ctx context.Context) error {
	body := fmt.Sprintf(`{"widgets":[
{"type":"metric","x":0,"y":0,"width":12,"height":6,"properties":{"title":"Process","period":60,"stat":"Average","region":"%[2]s",
"metrics":[["%[1]s","CPUPercent"],["%[1]s","MemoryMB"],["%[1]s","Goroutines"]]}},
{"type":"metric","x":12,"y":0,"width":12,"height":6,"properties":{"title":"Throughput","period":60,"stat":"Maximum","region":"%[2]s",
"metrics":[["%[1]s","TicksRead"],["%[1]s","StoreRows"]]}},
{"type":"metric","x":0,"y":6,"width":24,"height":6,"properties":{"title":"Log level","period":60,"stat":"Maximum","region":"%[2]s",
"metrics":[["%[1]s","Warns"],["%[1]s","Errors"]]}}
]}`, s.namespace, s.region)

	if _, err := s.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(s.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("put dashboard %s: %w", s.dashboard, err)
	}
	return nil
}
