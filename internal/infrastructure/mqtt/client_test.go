package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// testConfig returns a broker configuration that needs no running broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "sparkplug-test",
		},
		QoS: 1,
	}
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "edge", Password: "secret"}

	opts := buildClientOptions(cfg, "sparkplug-test-1")

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "sparkplug-test-1" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "edge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.AutoReconnect || opts.ConnectRetry {
		t.Error("auto-reconnect must be off")
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.Order {
		t.Error("Order = false, want ordered delivery")
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without tls")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg, "id")

	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %v, want ssl scheme", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLSConfig = %+v, want TLS 1.2 minimum", opts.TLSConfig)
	}
}

func TestApplyWill(t *testing.T) {
	opts := buildClientOptions(testConfig(), "id")
	applyWill(opts, &sparkplug.Will{
		Topic:   "spBv1.0/plant/NDEATH/line-1",
		Payload: []byte{0x01, 0x02},
		QoS:     1,
		Retain:  true,
	})

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false")
	}
	if opts.WillTopic != "spBv1.0/plant/NDEATH/line-1" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if string(opts.WillPayload) != "\x01\x02" {
		t.Errorf("WillPayload = %v", opts.WillPayload)
	}
	if opts.WillQos != 1 || !opts.WillRetained {
		t.Errorf("WillQos = %d, WillRetained = %v", opts.WillQos, opts.WillRetained)
	}

	bare := buildClientOptions(testConfig(), "id")
	applyWill(bare, nil)
	if bare.WillEnabled {
		t.Error("nil will enabled a will")
	}
}

func TestNewClientID(t *testing.T) {
	a := newClientID("edge", "plant/line-1")
	b := newClientID("edge", "plant/line-1")

	if a == b {
		t.Errorf("client ids collide: %q", a)
	}
	if !strings.HasPrefix(a, "edge-plant-line-1-") {
		t.Errorf("newClientID() = %q, want edge-plant-line-1- prefix", a)
	}
	if strings.ContainsAny(a, "/+#") {
		t.Errorf("newClientID() = %q contains topic characters", a)
	}
	if got := newClientID("", ""); !strings.HasPrefix(got, defaultClientPrefix+"-") {
		t.Errorf("newClientID(\"\", \"\") = %q", got)
	}
}

// =============================================================================
// Inbox Tests
// =============================================================================

func TestInbox_PreservesOrder(t *testing.T) {
	q := newInbox()
	defer q.halt()

	// Push far more than any channel buffer before anyone reads.
	for i := range 1000 {
		if !q.push(sparkplug.InboundEvent{Topic: fmt.Sprintf("t/%d", i)}) {
			t.Fatalf("push(%d) rejected", i)
		}
	}

	for i := range 1000 {
		select {
		case ev := <-q.out:
			if want := fmt.Sprintf("t/%d", i); ev.Topic != want {
				t.Fatalf("event %d topic = %q, want %q", i, ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestInbox_TerminalEventLast(t *testing.T) {
	q := newInbox()
	q.push(sparkplug.InboundEvent{Topic: "a"})
	q.push(sparkplug.InboundEvent{Topic: "b"})
	q.close(sparkplug.ErrConnectionLost)

	if q.push(sparkplug.InboundEvent{Topic: "c"}) {
		t.Error("push after close accepted")
	}

	var got []sparkplug.InboundEvent
	for ev := range q.out {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Topic != "a" || got[1].Topic != "b" {
		t.Errorf("order = %q, %q", got[0].Topic, got[1].Topic)
	}
	if !errors.Is(got[2].Err, sparkplug.ErrConnectionLost) {
		t.Errorf("terminal Err = %v, want ErrConnectionLost", got[2].Err)
	}
}

func TestInbox_HaltDropsQueued(t *testing.T) {
	q := newInbox()
	q.push(sparkplug.InboundEvent{Topic: "a"})
	q.halt()
	q.halt()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out not closed after halt")
		}
	}
}

// =============================================================================
// Client Tests (no broker)
// =============================================================================

func TestClient_PublishBeforeConnect(t *testing.T) {
	c := New(testConfig(), "plant/line-1", nil)
	defer c.Disconnect() //nolint:errcheck // test cleanup

	err := c.Publish(context.Background(), "spBv1.0/plant/NDATA/line-1", []byte{1}, 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if !errors.Is(err, sparkplug.ErrConnection) {
		t.Errorf("Publish() error = %v, want sparkplug.ErrConnection", err)
	}

	if err := c.Subscribe(context.Background(), "spBv1.0/plant/NCMD/line-1", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_Validation(t *testing.T) {
	c := New(testConfig(), "", nil)
	defer c.Disconnect() //nolint:errcheck // test cleanup
	ctx := context.Background()

	if err := c.Publish(ctx, "", nil, 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(empty topic) error = %v", err)
	}
	if err := c.Publish(ctx, "t", nil, 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish(qos 3) error = %v", err)
	}
	if err := c.Publish(ctx, "t", make([]byte, maxPayloadSize+1), 1, false); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Publish(oversize) error = %v", err)
	}
	if err := c.Subscribe(ctx, "", 1); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v", err)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1 // nothing listens here

	c := New(cfg, "plant/line-1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Connect(ctx, nil)
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, sparkplug.ErrConnection) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}

	if err := c.Connect(ctx, nil); !errors.Is(err, ErrAlreadyUsed) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyUsed", err)
	}

	// Events closes so an engine reading it is never stranded.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event after failed connect")
		}
	case <-time.After(time.Second):
		t.Error("Events not closed after failed connect")
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	c := New(testConfig(), "plant/line-1", nil)

	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event after Disconnect")
		}
	case <-time.After(time.Second):
		t.Error("Events not closed after Disconnect")
	}
}
