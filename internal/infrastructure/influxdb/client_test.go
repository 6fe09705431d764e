package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "sparkplug-dev-token",
		Org:           "sparkplug",
		Bucket:        "sessions",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

var (
	at   = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	peer = sparkplug.PeerID{Group: "plant", Node: "line-1"}
)

func lineProtocol(t *testing.T, e sparkplug.Event) string {
	t.Helper()
	p, ok := eventPoint(e)
	if !ok {
		t.Fatalf("eventPoint(%s) produced no point", e.Type)
	}
	return write.PointToLineProtocol(p, time.Nanosecond)
}

// =============================================================================
// Point mapping
// =============================================================================

func TestEventPoint_Lifecycle(t *testing.T) {
	line := lineProtocol(t, sparkplug.Event{
		Type:    sparkplug.EventPeerDeath,
		Session: "host:scada",
		Role:    sparkplug.RoleApplication,
		Peer:    peer,
		Kind:    sparkplug.NDEATH,
		Time:    at,
	})

	for _, want := range []string{
		MeasurementLifecycle + ",",
		"event=peer_death",
		"kind=NDEATH",
		"peer=plant/line-1",
		"role=application",
		"session=host:scada",
		"seq=0i",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), "1790845200000000000") {
		t.Errorf("line %q has wrong timestamp", line)
	}
}

func TestEventPoint_ErrorAndState(t *testing.T) {
	line := lineProtocol(t, sparkplug.Event{
		Type: sparkplug.EventError,
		Peer: peer,
		Kind: sparkplug.NDATA,
		Seq:  5,
		Err:  errors.New("expected seq 3, got 5"),
		Time: at,
	})
	if !strings.Contains(line, `error="expected seq 3, got 5"`) || !strings.Contains(line, "seq=5i") {
		t.Errorf("error line = %q", line)
	}

	line = lineProtocol(t, sparkplug.Event{Type: sparkplug.EventHostState, Kind: sparkplug.STATE, Online: true, Time: at})
	if !strings.Contains(line, "online=true") {
		t.Errorf("host state line = %q", line)
	}
}

func TestEventPoint_SkipsOutboundData(t *testing.T) {
	if _, ok := eventPoint(sparkplug.Event{Type: sparkplug.EventPublished, Kind: sparkplug.NDATA, Time: at}); ok {
		t.Error("outbound NDATA produced a point")
	}
	if _, ok := eventPoint(sparkplug.Event{Type: sparkplug.EventPublished, Kind: sparkplug.NBIRTH, Time: at}); !ok {
		t.Error("outbound NBIRTH produced no point")
	}
}

func TestEventPoint_PeerMetrics(t *testing.T) {
	line := lineProtocol(t, sparkplug.Event{
		Type: sparkplug.EventPeerData,
		Peer: sparkplug.PeerID{Group: "plant", Node: "line-1", Device: "pump"},
		Kind: sparkplug.DDATA,
		Metrics: []sparkplug.Metric{
			sparkplug.Double("flow", 12.5),
			sparkplug.Bool("running", true),
			sparkplug.NullMetric("pressure", sparkplug.TypeDouble),
			{Alias: 9, Type: sparkplug.TypeInt64, Value: int64(3)},
		},
		Time: at,
	})

	for _, want := range []string{MeasurementMetrics + ",", "device=pump", "group=plant", "node=line-1", "flow=12.5", "running=true"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "pressure") {
		t.Errorf("null metric written: %q", line)
	}

	if _, ok := eventPoint(sparkplug.Event{
		Type:    sparkplug.EventPeerData,
		Peer:    peer,
		Metrics: []sparkplug.Metric{sparkplug.NullMetric("pressure", sparkplug.TypeDouble)},
	}); ok {
		t.Error("DATA with only null metrics produced a point")
	}
}

func TestHandleEvent_NotConnected(t *testing.T) {
	c := &Client{}
	// Must not touch the nil write API.
	c.HandleEvent(sparkplug.Event{Type: sparkplug.EventOnline, Time: at})
	c.Flush()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Connection
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // Non-existent port

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on empty client error = %v", err)
	}
	if w, f := c.Counts(); w != 0 || f != 0 {
		t.Errorf("Counts() = %d, %d; want 0, 0", w, f)
	}
}

func TestWriteOptions(t *testing.T) {
	opts := writeOptions(testConfig())
	if opts.BatchSize() != 100 || opts.FlushInterval() != 1000 {
		t.Errorf("batch=%d flush=%dms, want 100, 1000", opts.BatchSize(), opts.FlushInterval())
	}

	opts = writeOptions(config.InfluxDBConfig{})
	if opts.BatchSize() != fallbackBatchSize || opts.FlushInterval() != 10000 {
		t.Errorf("fallback batch=%d flush=%dms", opts.BatchSize(), opts.FlushInterval())
	}
}

func TestConnectAndWrite(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	writeErrs := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case writeErrs <- err:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	client.HandleEvent(sparkplug.Event{Type: sparkplug.EventOnline, Session: "plant/line-1", Role: sparkplug.RoleNode, Kind: sparkplug.NBIRTH, Time: time.Now()})
	client.Flush()
	if written, _ := client.Counts(); written != 1 {
		t.Errorf("written = %d, want 1", written)
	}
	select {
	case err := <-writeErrs:
		t.Errorf("write error = %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
