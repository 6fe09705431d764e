package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/database"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/engine"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/sparkplugtest"
	_ "github.com/nerrad567/sparkplug-core/migrations"
)

var nodeID = sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-1"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() }) //nolint:errcheck // test cleanup
	require.NoError(t, db.Migrate(context.Background()))
	return New(db.DB)
}

func TestNextBdSeq_StartsAtZeroAndWraps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CurrentBdSeq(ctx, nodeID)
	assert.ErrorIs(t, err, ErrNotFound)

	for want := range 256 {
		got, err := s.NextBdSeq(ctx, nodeID)
		require.NoError(t, err)
		require.Equal(t, uint64(want), got)
	}

	got, err := s.NextBdSeq(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got, "wraps after 255")

	cur, err := s.CurrentBdSeq(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)
}

func TestNextBdSeq_PerNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	other := sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-2"}

	_, err := s.NextBdSeq(ctx, nodeID)
	require.NoError(t, err)
	_, err = s.NextBdSeq(ctx, nodeID)
	require.NoError(t, err)

	got, err := s.NextBdSeq(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)

	_, err = s.NextBdSeq(ctx, sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-1", DeviceID: "pump"})
	assert.ErrorIs(t, err, sparkplug.ErrInvalidIdentity)
}

func TestSaveAndListBirths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	born := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	_, err := s.SaveBirth(ctx, Birth{
		Session:  "plant/line-1",
		Peer:     nodeID.Peer(),
		Kind:     sparkplug.NBIRTH,
		BdSeq:    3,
		HasBdSeq: true,
		Metrics:  []sparkplug.Metric{sparkplug.Double("temperature", 20.5)},
		BornAt:   born,
	})
	require.NoError(t, err)

	pump := sparkplug.PeerID{Group: "plant", Node: "line-1", Device: "pump"}
	_, err = s.SaveBirth(ctx, Birth{Session: "plant/line-1/pump", Peer: pump, Kind: sparkplug.DBIRTH, BornAt: born.Add(time.Second)})
	require.NoError(t, err)

	all, err := s.ListBirths(ctx, BirthFilter{Group: "plant"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, pump, all[0].Peer, "newest first")
	assert.False(t, all[0].HasBdSeq)

	nb := all[1]
	assert.Equal(t, sparkplug.NBIRTH, nb.Kind)
	assert.True(t, nb.HasBdSeq)
	assert.Equal(t, uint64(3), nb.BdSeq)
	assert.True(t, nb.BornAt.Equal(born))
	require.Len(t, nb.Metrics, 1)
	assert.Equal(t, "temperature", nb.Metrics[0].Name)
	assert.Equal(t, sparkplug.TypeDouble, nb.Metrics[0].Type)

	devOnly, err := s.ListBirths(ctx, BirthFilter{Device: "pump"})
	require.NoError(t, err)
	assert.Len(t, devOnly, 1)

	latest, err := s.LatestBirth(ctx, nodeID.Peer())
	require.NoError(t, err)
	assert.Equal(t, sparkplug.NBIRTH, latest.Kind)

	_, err = s.LatestBirth(ctx, sparkplug.PeerID{Group: "plant", Node: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveBirth_Rejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveBirth(ctx, Birth{Peer: nodeID.Peer(), Kind: sparkplug.NDATA})
	assert.Error(t, err)

	_, err = s.SaveBirth(ctx, Birth{Kind: sparkplug.NBIRTH})
	assert.ErrorIs(t, err, sparkplug.ErrInvalidIdentity)
}

func TestListBirths_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for range 5 {
		_, err := s.SaveBirth(ctx, Birth{Peer: nodeID.Peer(), Kind: sparkplug.NBIRTH})
		require.NoError(t, err)
	}

	got, err := s.ListBirths(ctx, BirthFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Greater(t, got[0].ID, got[1].ID)
}

// TestNode_PersistentBdSeq restarts a node on fresh transports and checks
// each connection's will carries the next bdSeq from the store.
func TestNode_PersistentBdSeq(t *testing.T) {
	s := openTestStore(t)
	rec := NewBirthRecorder(s, nil)
	ctx := context.Background()

	for want := range uint64(3) {
		ft := sparkplugtest.NewFakeTransport()
		n, err := engine.NewNode(engine.NodeOptions{
			Identity:  nodeID,
			Codec:     codec.B{},
			Transport: ft,
			Metrics:   []sparkplug.Metric{sparkplug.Double("temperature", 20)},
			BdSeq:     s,
			Sink:      rec,
		})
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		require.NoError(t, n.Stop())

		calls := ft.Calls()
		require.NotEmpty(t, calls)
		will, err := codec.B{}.Decode(calls[0].Will.Payload)
		require.NoError(t, err)
		bd, ok := will.BdSeq()
		require.True(t, ok)
		assert.Equal(t, want, bd)
	}

	rec.Close()

	births, err := s.ListBirths(ctx, BirthFilter{Node: "line-1"})
	require.NoError(t, err)
	require.Len(t, births, 3)
	for i, b := range births {
		assert.Equal(t, sparkplug.NBIRTH, b.Kind)
		assert.Equal(t, uint64(2-i), b.BdSeq, "birth %d", i)
		_, declared := (&sparkplug.Message{Metrics: b.Metrics}).Metric("temperature")
		assert.True(t, declared)
	}
}

func TestBirthRecorder_IgnoresOtherEvents(t *testing.T) {
	s := openTestStore(t)
	rec := NewBirthRecorder(s, nil)

	rec.HandleEvent(sparkplug.Event{Type: sparkplug.EventPublished, Kind: sparkplug.NDATA, Peer: nodeID.Peer()})
	rec.HandleEvent(sparkplug.Event{Type: sparkplug.EventOnline, Kind: sparkplug.NBIRTH})
	rec.HandleEvent(sparkplug.Event{
		Type:    sparkplug.EventPeerBirth,
		Session: "host:scada",
		Peer:    nodeID.Peer(),
		Kind:    sparkplug.NBIRTH,
		Metrics: []sparkplug.Metric{sparkplug.Int64(sparkplug.MetricBdSeq, 7)},
		Time:    time.Now(),
	})
	rec.Close()
	rec.HandleEvent(sparkplug.Event{Type: sparkplug.EventPeerBirth, Peer: nodeID.Peer(), Kind: sparkplug.NBIRTH})

	births, err := s.ListBirths(context.Background(), BirthFilter{})
	require.NoError(t, err)
	require.Len(t, births, 1)
	assert.Equal(t, "host:scada", births[0].Session)
	assert.Equal(t, uint64(7), births[0].BdSeq)
}
