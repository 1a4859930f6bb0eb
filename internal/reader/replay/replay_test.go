package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/config"
	"candleflow/internal/models"
)

const tradesCSV = `exchange,symbol,timestamp,local_timestamp,id,side,price,amount
binance-futures,BTCUSDT,1714521600000000,1714521600001000,1,buy,100,1
binance-futures,BTCUSDT,1714521605000000,1714521605002000,2,sell,105,2
binance-futures,BTCUSDT,not-a-time,1714521605002000,3,sell,105,2
binance-futures,BTCUSDT,1714521616000000,1714521616000500,4,sell,95,1
`

type recordingSubmitter struct {
	mu    sync.Mutex
	ticks []models.Tick
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, t models.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ticks = append(r.ticks, t)
	return nil
}

type fakeS3 struct {
	objects map[string][]byte
	calls   []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.calls = append(f.calls, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReplayPlainCSV(t *testing.T) {
	file := writeFile(t, "binance-futures_trades_2024-05-01_BTCUSDT.csv", []byte(tradesCSV))
	sub := &recordingSubmitter{}
	r, err := NewReader(config.ReplayConfig{Files: []string{file}}, sub)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, sub.ticks, 3)
	first := sub.ticks[0]
	assert.Equal(t, "binance", first.Exchange)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.True(t, first.EventTime.Equal(time.UnixMicro(1714521600000000)))
	assert.True(t, first.IngestTime.Equal(time.UnixMicro(1714521600001000)))

	tr, ok := sub.ticks[1].Trade()
	require.True(t, ok)
	assert.Equal(t, models.Trade{ID: "2", Price: 105, Amount: 2, Side: models.SideSell}, tr)

	assert.Equal(t, Stats{Files: 1, Rows: 4, Submitted: 3, Skipped: 1}, r.Stats())
}

func TestReplayGzipDetectedByContent(t *testing.T) {
	file := writeFile(t, "trades.csv", gzipped(t, tradesCSV))
	sub := &recordingSubmitter{}
	r, err := NewReader(config.ReplayConfig{Files: []string{file}}, sub)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, sub.ticks, 3)
}

func TestReplayFromS3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"archive/tardis/trades.csv.gz": gzipped(t, tradesCSV),
	}}
	sub := &recordingSubmitter{}
	r, err := NewReader(config.ReplayConfig{Files: []string{"s3://archive/tardis/trades.csv.gz"}}, sub, WithS3(fake))
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"archive/tardis/trades.csv.gz"}, fake.calls)
	assert.Len(t, sub.ticks, 3)
}

func TestReplayS3WithoutClient(t *testing.T) {
	r, err := NewReader(config.ReplayConfig{Files: []string{"s3://bucket/key.csv"}}, &recordingSubmitter{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Run(context.Background()), ErrNoS3Client)
}

func TestReplayLiquidationArchive(t *testing.T) {
	file := writeFile(t, "bybit_liquidations_2024-05-01.csv", []byte(
		"exchange,symbol,timestamp,local_timestamp,id,side,price,amount\n"+
			"bybit,1000PEPEUSDT,1714521600000000,1714521600000000,,sell,0.012,5000\n"))
	sub := &recordingSubmitter{}
	r, err := NewReader(config.ReplayConfig{Files: []string{file}}, sub)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, sub.ticks, 1)
	liq, ok := sub.ticks[0].Payload.(models.Liquidation)
	require.True(t, ok)
	assert.Equal(t, models.SideSell, liq.Side)
	assert.Equal(t, "PEPEUSDT", sub.ticks[0].Symbol)
}

func TestReplayDefaultExchange(t *testing.T) {
	file := writeFile(t, "trades.csv", []byte("symbol,timestamp,price,amount\nETHUSDT,1714521600000000,3000,1\n"))
	sub := &recordingSubmitter{}
	r, err := NewReader(config.ReplayConfig{Files: []string{file}, Exchange: "bybit"}, sub)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, sub.ticks, 1)
	assert.Equal(t, "bybit", sub.ticks[0].Exchange)
	assert.Equal(t, models.SideUnknown, sub.ticks[0].Payload.(models.Trade).Side)
}

func TestReplayMissingColumn(t *testing.T) {
	file := writeFile(t, "trades.csv", []byte("symbol,timestamp,amount\nBTCUSDT,1,1\n"))
	r, err := NewReader(config.ReplayConfig{Files: []string{file}}, &recordingSubmitter{})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price")
}

func TestReplayStopsOnSubmitError(t *testing.T) {
	file := writeFile(t, "trades.csv", []byte(tradesCSV))
	boom := errors.New("pipeline stopped")
	r, err := NewReader(config.ReplayConfig{Files: []string{file}}, &recordingSubmitter{err: boom})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Run(context.Background()), boom)
	assert.Equal(t, int64(0), r.Stats().Files)
}

func TestReplayRateLimitHonorsContext(t *testing.T) {
	file := writeFile(t, "trades.csv", []byte(tradesCSV))
	r, err := NewReader(config.ReplayConfig{Files: []string{file}, Rate: 0.001, Burst: 1}, &recordingSubmitter{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Run(ctx))
	assert.Equal(t, int64(1), r.Stats().Submitted)
}

func TestReplayMissingFile(t *testing.T) {
	r, err := NewReader(config.ReplayConfig{Files: []string{filepath.Join(t.TempDir(), "nope.csv")}}, &recordingSubmitter{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Run(context.Background()), os.ErrNotExist)
}

func TestNewReaderRequiresSubmitter(t *testing.T) {
	_, err := NewReader(config.ReplayConfig{}, nil)
	assert.Error(t, err)
}

func TestReplaySkipsMalformedRows(t *testing.T) {
	cases := []struct {
		name  string
		file  string
		price string
		amt   string
	}{
		{"nan price", "trades.csv", "NaN", "1"},
		{"inf price", "trades.csv", "+Inf", "1"},
		{"zero price", "trades.csv", "0", "1"},
		{"negative amount", "trades.csv", "100", "-3"},
		{"liquidation with negative price", "bybit_liquidations.csv", "-0.5", "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := writeFile(t, tc.file, []byte(
				"exchange,symbol,timestamp,price,amount\n"+
					"bybit,BTCUSDT,1714521600000000,"+tc.price+","+tc.amt+"\n"+
					"bybit,BTCUSDT,1714521601000000,101,2\n"))
			sub := &recordingSubmitter{}
			r, err := NewReader(config.ReplayConfig{Files: []string{file}}, sub)
			require.NoError(t, err)

			require.NoError(t, r.Run(context.Background()))
			require.Len(t, sub.ticks, 1)
			assert.True(t, sub.ticks[0].EventTime.Equal(time.UnixMicro(1714521601000000)))
			assert.Equal(t, Stats{Files: 1, Rows: 2, Submitted: 1, Skipped: 1}, r.Stats())
		})
	}
}
