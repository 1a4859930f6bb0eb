package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warns      sync.Map // component -> *int64
	errorCount sync.Map // component -> *int64
	tickReads  sync.Map // exchange -> *int64
	storeRows  sync.Map // backend -> *int64
	channels   sync.Map // map[string]*channelStat

	sourcesMu sync.RWMutex
	sources   = map[string]func() Fields{}
)

func incr(m *sync.Map, key string, n int64) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), n)
}

func snapshot(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func total(counts map[string]int64) int64 {
	var n int64
	for _, v := range counts {
		n += v
	}
	return n
}

func recordWarn(component string) {
	incr(&warns, component, 1)
}

func recordError(component string) {
	incr(&errorCount, component, 1)
}

// IncrementTicksRead counts a normalized tick received from an exchange.
func IncrementTicksRead(exchange string, size int) {
	incr(&tickReads, exchange, 1)
	recordChannel(exchange+"_ws", size)
}

// IncrementStoreWrite counts rows written to a table store backend.
func IncrementStoreWrite(backend string, rows int) {
	incr(&storeRows, backend, int64(rows))
	recordChannel(backend+"_write", rows)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// AddReportSource adds fields produced by fn to every runtime report under
// name. Registering the same name again replaces the source.
func AddReportSource(name string, fn func() Fields) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	if fn == nil {
		delete(sources, name)
		return
	}
	sources[name] = fn
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system, component and channel
// statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	startReport(ctx, log, interval)
}

// reportFields collects the counters kept by this package and the
// registered sources.
func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"warns":      snapshot(&warns),
		"errors":     snapshot(&errorCount),
		"tick_reads": snapshot(&tickReads),
		"store_rows": snapshot(&storeRows),
		"channels":   channelData,
		"goroutines": runtime.NumGoroutine(),
	}

	sourcesMu.RLock()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields[name] = sources[name]()
	}
	sourcesMu.RUnlock()
	return fields
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := reportFields()
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsed) / 1024 / 1024
	fields["disk_mb"] = int64(diskUsed) / 1024 / 1024
	fields["net_bytes_sent"] = int64(bytesSent)
	fields["net_bytes_recv"] = int64(bytesRecv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	warnTotal := total(fields["warns"].(map[string]int64))
	errTotal := total(fields["errors"].(map[string]int64))
	readTotal := total(fields["tick_reads"].(map[string]int64))
	rowTotal := total(fields["store_rows"].(map[string]int64))

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warnTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(readTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreRows"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(rowTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range fields["channels"].(map[string]map[string]int64) {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
