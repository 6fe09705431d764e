package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/sparkplugtest"
)

var (
	nodeID   = sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-1"}
	nodePeer = nodeID.Peer()
)

const waitTimeout = 2 * time.Second

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}

func decodeCall(t *testing.T, c sparkplugtest.Call) *sparkplug.Message {
	t.Helper()
	msg, err := codec.B{}.Decode(c.Payload)
	require.NoError(t, err)
	msg.Kind = c.Kind()
	return msg
}

func encode(t *testing.T, msg *sparkplug.Message) []byte {
	t.Helper()
	payload, err := codec.B{}.Encode(msg)
	require.NoError(t, err)
	return payload
}

func startNode(t *testing.T, opts NodeOptions) (*Node, *sparkplugtest.FakeTransport, *sparkplug.Recorder) {
	t.Helper()
	ft := sparkplugtest.NewFakeTransport()
	rec := &sparkplug.Recorder{}
	if opts.Identity == (sparkplug.Identity{}) {
		opts.Identity = nodeID
	}
	if opts.Metrics == nil {
		opts.Metrics = []sparkplug.Metric{
			sparkplug.Double("temperature", 20),
			sparkplug.Bool("running", false),
		}
	}
	opts.Codec = codec.B{}
	opts.Transport = ft
	opts.Sink = rec

	n, err := NewNode(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() }) //nolint:errcheck // cleanup
	return n, ft, rec
}

func TestNewNode_Validation(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()

	_, err := NewNode(NodeOptions{Identity: nodeID, Transport: ft})
	assert.Error(t, err, "missing codec")

	_, err = NewNode(NodeOptions{Identity: nodeID, Codec: codec.B{}})
	assert.Error(t, err, "missing transport")

	_, err = NewNode(NodeOptions{Identity: sparkplug.Identity{GroupID: "plant", EdgeNodeID: "a/b"}, Codec: codec.B{}, Transport: ft})
	assert.ErrorIs(t, err, sparkplug.ErrInvalidIdentity)

	_, err = NewNode(NodeOptions{
		Identity:  nodeID,
		Codec:     codec.B{},
		Transport: ft,
		Metrics:   []sparkplug.Metric{sparkplug.Int64(sparkplug.MetricBdSeq, 1)},
	})
	assert.ErrorIs(t, err, sparkplug.ErrInvalidMetric)

	assert.Empty(t, ft.Calls())
}

func TestNodeStart_WillBeforeBirth(t *testing.T) {
	n, ft, rec := startNode(t, NodeOptions{})

	calls := ft.Calls()
	require.GreaterOrEqual(t, len(calls), 3)

	require.Equal(t, sparkplugtest.OpConnect, calls[0].Op)
	will := calls[0].Will
	require.NotNil(t, will)
	assert.Equal(t, "spBv1.0/plant/NDEATH/line-1", will.Topic)
	assert.True(t, will.Retain)
	assert.Equal(t, sparkplug.QoSAtLeastOnce, will.QoS)

	deathMsg, err := codec.B{}.Decode(will.Payload)
	require.NoError(t, err)
	bd, ok := deathMsg.BdSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(0), bd)

	assert.Equal(t, sparkplugtest.OpSubscribe, calls[1].Op)
	assert.Equal(t, "spBv1.0/plant/NCMD/line-1", calls[1].Topic)

	births := ft.Published(sparkplug.NBIRTH)
	require.Len(t, births, 1)
	assert.Equal(t, "spBv1.0/plant/NBIRTH/line-1", births[0].Topic)
	assert.False(t, births[0].Retain)

	birth := decodeCall(t, births[0])
	assert.True(t, birth.HasSeq)
	assert.Equal(t, uint8(0), birth.Seq)

	birthBd, ok := birth.BdSeq()
	require.True(t, ok)
	assert.Equal(t, bd, birthBd)

	rebirth, ok := birth.Metric(sparkplug.MetricNodeRebirth)
	require.True(t, ok)
	assert.Equal(t, false, rebirth.Value)

	temp, ok := birth.Metric("temperature")
	require.True(t, ok)
	assert.Equal(t, uint64(1), temp.Alias)
	assert.Equal(t, 20.0, temp.Value)

	assert.Equal(t, sparkplug.Online, n.ConnectionState())
	require.Len(t, rec.OfType(sparkplug.EventOnline), 1)
}

func TestNodeStart_Twice(t *testing.T) {
	n, _, _ := startNode(t, NodeOptions{})
	assert.ErrorIs(t, n.Start(context.Background()), sparkplug.ErrAlreadyStarted)
}

func TestNodePublishData_SequenceWraps(t *testing.T) {
	for _, count := range []int{1, 255, 256, 600} {
		n, ft, _ := startNode(t, NodeOptions{})
		ctx := context.Background()

		for i := 0; i < count; i++ {
			require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", float64(i))}))
		}

		data := ft.Published(sparkplug.NDATA)
		require.Len(t, data, count)
		for i, c := range data {
			require.Equal(t, uint8((i+1)%256), decodeCall(t, c).Seq, "message %d", i)
		}
		last := decodeCall(t, data[len(data)-1])
		assert.Equal(t, uint8(count%256), last.Seq, "after %d DATA", count)
	}
}

func TestNodePublishData_AliasOnly(t *testing.T) {
	n, ft, _ := startNode(t, NodeOptions{})
	require.NoError(t, n.PublishData(context.Background(), []sparkplug.Metric{sparkplug.Bool("running", true)}))

	data := ft.Published(sparkplug.NDATA)
	require.Len(t, data, 1)
	assert.False(t, data[0].Retain)
	msg := decodeCall(t, data[0])
	require.Len(t, msg.Metrics, 1)
	assert.Empty(t, msg.Metrics[0].Name)
	assert.Equal(t, uint64(2), msg.Metrics[0].Alias)
	assert.Equal(t, true, msg.Metrics[0].Value)
}

func TestNodePublishData_Rejects(t *testing.T) {
	n, ft, _ := startNode(t, NodeOptions{})
	ctx := context.Background()

	err := n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("humidity", 40)})
	assert.ErrorIs(t, err, sparkplug.ErrUnknownMetric)

	err = n.PublishData(ctx, []sparkplug.Metric{sparkplug.String("temperature", "hot")})
	assert.ErrorIs(t, err, sparkplug.ErrInvalidMetric)

	err = n.PublishData(ctx, nil)
	assert.ErrorIs(t, err, sparkplug.ErrInvalidMetric)

	assert.Empty(t, ft.Published(sparkplug.NDATA))

	// An untyped value takes the declared type.
	require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{{Name: "temperature", Value: float32(21.5)}}))
	msg := decodeCall(t, ft.Published(sparkplug.NDATA)[0])
	assert.Equal(t, uint8(1), msg.Seq)
	assert.Equal(t, 21.5, msg.Metrics[0].Value)
}

func TestNodePublishData_BeforeStart(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()
	n, err := NewNode(NodeOptions{Identity: nodeID, Codec: codec.B{}, Transport: ft})
	require.NoError(t, err)

	err = n.PublishData(context.Background(), []sparkplug.Metric{sparkplug.Double("temperature", 1)})
	assert.ErrorIs(t, err, sparkplug.ErrNotStarted)
	assert.ErrorIs(t, err, sparkplug.ErrProtocolOrdering)
	assert.Empty(t, ft.Calls())
	assert.NoError(t, n.Stop())
}

func TestNodePublishData_FailureKeepsSession(t *testing.T) {
	n, ft, rec := startNode(t, NodeOptions{})
	ctx := context.Background()

	ft.FailKind(sparkplug.NDATA, errors.New("broker rejected"))
	err := n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", 1)})
	assert.ErrorIs(t, err, sparkplug.ErrConnection)
	assert.Equal(t, sparkplug.Online, n.ConnectionState())
	require.Len(t, rec.OfType(sparkplug.EventError), 1)

	ft.FailPublish(nil)
	require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", 2)}))

	data := ft.Published(sparkplug.NDATA)
	require.Len(t, data, 2)
	assert.Equal(t, uint8(2), decodeCall(t, data[1]).Seq, "failed publish keeps its sequence number")
}

func TestNodeRebirthCommand(t *testing.T) {
	n, ft, rec := startNode(t, NodeOptions{})
	ctx := context.Background()

	require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", 30)}))
	require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", 31)}))

	ft.Deliver("spBv1.0/plant/NCMD/line-1", encode(t, &sparkplug.Message{
		Timestamp: 1,
		Metrics:   []sparkplug.Metric{sparkplug.Bool(sparkplug.MetricNodeRebirth, true)},
	}))

	eventually(t, func() bool { return len(ft.Published(sparkplug.NBIRTH)) == 2 }, "rebirth not published")

	births := ft.Published(sparkplug.NBIRTH)
	rebirth := decodeCall(t, births[1])
	assert.Equal(t, uint8(0), rebirth.Seq)
	temp, ok := rebirth.Metric("temperature")
	require.True(t, ok)
	assert.Equal(t, 31.0, temp.Value, "rebirth reports the latest value")
	assert.Equal(t, uint64(1), temp.Alias, "aliases survive rebirth")

	require.NoError(t, n.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temperature", 32)}))
	data := ft.Published(sparkplug.NDATA)
	assert.Equal(t, uint8(1), decodeCall(t, data[len(data)-1]).Seq)

	connects := 0
	for _, c := range ft.Calls() {
		if c.Op == sparkplugtest.OpConnect {
			connects++
		}
	}
	assert.Equal(t, 1, connects, "rebirth must not reconnect")
	assert.Len(t, rec.OfType(sparkplug.EventRebirthRequested), 1)
}

func TestNodeCommandEvent(t *testing.T) {
	_, ft, rec := startNode(t, NodeOptions{})

	ft.Deliver("spBv1.0/plant/NCMD/line-1", encode(t, &sparkplug.Message{
		Metrics: []sparkplug.Metric{sparkplug.Double("setpoint", 22)},
	}))

	eventually(t, func() bool { return len(rec.OfType(sparkplug.EventCommand)) == 1 }, "command event missing")
	cmd := rec.OfType(sparkplug.EventCommand)[0]
	require.Len(t, cmd.Metrics, 1)
	assert.Equal(t, "setpoint", cmd.Metrics[0].Name)
	assert.Len(t, ft.Published(sparkplug.NBIRTH), 1)
}

func TestNodeRebirth_Explicit(t *testing.T) {
	n, ft, _ := startNode(t, NodeOptions{})
	require.NoError(t, n.Rebirth(context.Background()))
	assert.Len(t, ft.Published(sparkplug.NBIRTH), 2)
}

func TestNodeStop(t *testing.T) {
	n, ft, rec := startNode(t, NodeOptions{})

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop(), "Stop is idempotent")

	deaths := ft.Published(sparkplug.NDEATH)
	require.Len(t, deaths, 1)
	assert.True(t, deaths[0].Retain)
	bd, ok := decodeCall(t, deaths[0]).BdSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(0), bd)

	calls := ft.Calls()
	assert.Equal(t, sparkplugtest.OpDisconnect, calls[len(calls)-1].Op)
	assert.Equal(t, sparkplug.Offline, n.ConnectionState())
	assert.False(t, ft.Connected())

	offline := rec.OfType(sparkplug.EventOffline)
	require.Len(t, offline, 1)
	assert.NoError(t, offline[0].Err)

	err := n.PublishData(context.Background(), []sparkplug.Metric{sparkplug.Double("temperature", 1)})
	assert.Error(t, err)
}

func TestNodeStop_DeathFailureIsFatal(t *testing.T) {
	n, ft, _ := startNode(t, NodeOptions{})
	ft.FailKind(sparkplug.NDEATH, errors.New("broker gone"))

	err := n.Stop()
	assert.ErrorIs(t, err, sparkplug.ErrConnection)
	assert.Equal(t, sparkplug.Offline, n.ConnectionState())
	assert.ErrorIs(t, n.Err(), sparkplug.ErrConnection)
}

func TestNodeStart_BirthFailureIsFatal(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()
	ft.FailKind(sparkplug.NBIRTH, errors.New("not authorised"))
	rec := &sparkplug.Recorder{}

	n, err := NewNode(NodeOptions{Identity: nodeID, Codec: codec.B{}, Transport: ft, Sink: rec})
	require.NoError(t, err)

	err = n.Start(context.Background())
	assert.ErrorIs(t, err, sparkplug.ErrConnection)
	assert.Equal(t, sparkplug.Offline, n.ConnectionState())
	assert.False(t, ft.Connected())

	select {
	case <-n.Done():
	default:
		t.Fatal("Done not closed after failed start")
	}
	assert.ErrorIs(t, n.Stop(), sparkplug.ErrConnection)

	offline := rec.OfType(sparkplug.EventOffline)
	require.Len(t, offline, 1)
	assert.Error(t, offline[0].Err)
}

func TestNodeStart_ConnectFailure(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()
	ft.FailConnect(errors.New("refused"))

	n, err := NewNode(NodeOptions{Identity: nodeID, Codec: codec.B{}, Transport: ft})
	require.NoError(t, err)

	assert.ErrorIs(t, n.Start(context.Background()), sparkplug.ErrConnection)
	assert.Empty(t, ft.Published(""))
}

func TestNodeConnectionLost(t *testing.T) {
	n, ft, rec := startNode(t, NodeOptions{})

	ft.Drop(nil)

	select {
	case <-n.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not end after connection loss")
	}
	assert.ErrorIs(t, n.Err(), sparkplug.ErrConnectionLost)
	assert.Equal(t, sparkplug.Offline, n.ConnectionState())

	offline := rec.OfType(sparkplug.EventOffline)
	require.Len(t, offline, 1)
	assert.ErrorIs(t, offline[0].Err, sparkplug.ErrConnection)

	err := n.PublishData(context.Background(), []sparkplug.Metric{sparkplug.Double("temperature", 1)})
	assert.ErrorIs(t, err, sparkplug.ErrConnectionLost)
	assert.ErrorIs(t, n.Stop(), sparkplug.ErrConnectionLost)
}

func TestNodeContextCancel(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()
	n, err := NewNode(NodeOptions{Identity: nodeID, Codec: codec.B{}, Transport: ft})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	cancel()

	select {
	case <-n.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not end after cancellation")
	}
	assert.Len(t, ft.Published(sparkplug.NDEATH), 1, "best-effort death")
	assert.False(t, ft.Connected())
	assert.NoError(t, n.Stop())
}

func TestNodePrimaryHostRebirth(t *testing.T) {
	_, ft, rec := startNode(t, NodeOptions{PrimaryHostID: "scada"})

	var subscribed bool
	for _, c := range ft.Calls() {
		if c.Op == sparkplugtest.OpSubscribe && c.Topic == "spBv1.0/STATE/scada" {
			subscribed = true
		}
	}
	require.True(t, subscribed)

	state := func(online bool) []byte {
		return sparkplug.EncodeHostState(sparkplug.VersionB, sparkplug.HostState{Online: online, Timestamp: 1})
	}
	ft.Deliver("spBv1.0/STATE/scada", state(true))
	ft.Deliver("spBv1.0/STATE/other", state(false))
	ft.Deliver("spBv1.0/STATE/scada", state(false))
	ft.Deliver("spBv1.0/STATE/scada", state(true))

	eventually(t, func() bool { return len(rec.OfType(sparkplug.EventHostState)) == 3 }, "host state events")
	eventually(t, func() bool { return len(ft.Published(sparkplug.NBIRTH)) == 2 }, "rebirth after host returned")
}

func TestMemoryBdSeq(t *testing.T) {
	var src MemoryBdSeq
	ctx := context.Background()
	for want := 0; want < 300; want++ {
		got, err := src.NextBdSeq(ctx, nodeID)
		require.NoError(t, err)
		require.Equal(t, uint64(want%256), got)
	}
	other, _ := src.NextBdSeq(ctx, sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-2"})
	assert.Equal(t, uint64(0), other)
}

func TestNodeVersionA(t *testing.T) {
	ft := sparkplugtest.NewFakeTransport()
	n, err := NewNode(NodeOptions{
		Identity:  nodeID,
		Codec:     codec.A{},
		Transport: ft,
		Metrics:   []sparkplug.Metric{sparkplug.Double("temperature", 20)},
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() }) //nolint:errcheck // cleanup

	require.NoError(t, n.PublishData(context.Background(), []sparkplug.Metric{sparkplug.Double("temperature", 21)}))

	data := ft.Published(sparkplug.NDATA)
	require.Len(t, data, 1)
	assert.Equal(t, "spAv1.0/plant/NDATA/line-1", data[0].Topic)

	msg, err := codec.A{}.Decode(data[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), msg.Seq)
	require.Len(t, msg.Metrics, 1)
	assert.Equal(t, "temperature", msg.Metrics[0].Name)
}
