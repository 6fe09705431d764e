package session

import (
	"errors"
	"testing"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

var nodeID = sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-1"}

func TestOutboundSequence(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 600} {
		s := New(nodeID)
		s.ResetOutbound()
		if got := s.AdvanceOutbound(); got != 0 {
			t.Fatalf("BIRTH seq = %d, want 0", got)
		}
		for i := 0; i < n; i++ {
			s.AdvanceOutbound()
		}
		got, ok := s.Outbound()
		if !ok {
			t.Fatal("Outbound() reported nothing sent")
		}
		if want := uint8(n % 256); got != want {
			t.Errorf("after %d DATA: Outbound() = %d, want %d", n, got, want)
		}
	}
}

func TestResetOutbound(t *testing.T) {
	s := New(nodeID)
	if s.Born() {
		t.Fatal("Born() = true before any birth")
	}
	s.ResetOutbound()
	s.AdvanceOutbound()
	s.AdvanceOutbound()
	s.AdvanceOutbound()

	s.ResetOutbound()
	if got := s.PeekOutbound(); got != 0 {
		t.Errorf("PeekOutbound() after reset = %d, want 0", got)
	}
	if s.Births() != 2 {
		t.Errorf("Births() = %d, want 2", s.Births())
	}
}

func TestDeclareMetrics_StableAliases(t *testing.T) {
	s := New(nodeID)
	if err := s.DeclareMetrics([]sparkplug.Metric{
		sparkplug.Double("temp", 20),
		sparkplug.Bool("run", false),
	}); err != nil {
		t.Fatalf("DeclareMetrics() error = %v", err)
	}

	tempAlias, _ := s.Alias("temp")
	runAlias, _ := s.Alias("run")
	if tempAlias != 1 || runAlias != 2 {
		t.Fatalf("aliases = %d,%d, want 1,2", tempAlias, runAlias)
	}

	if err := s.DeclareMetrics([]sparkplug.Metric{
		sparkplug.Bool("run", true),
		sparkplug.Double("pressure", 1),
		sparkplug.Double("temp", 21),
	}); err != nil {
		t.Fatalf("DeclareMetrics() error = %v", err)
	}

	if a, _ := s.Alias("temp"); a != tempAlias {
		t.Errorf("temp alias changed to %d", a)
	}
	if a, _ := s.Alias("pressure"); a != 3 {
		t.Errorf("pressure alias = %d, want 3", a)
	}
	if name, ok := s.NameForAlias(2); !ok || name != "run" {
		t.Errorf("NameForAlias(2) = %q, %v", name, ok)
	}

	known := s.KnownMetrics()
	if len(known) != 3 || known[0].Name != "run" || known[0].Alias != runAlias {
		t.Errorf("KnownMetrics() = %+v", known)
	}
}

func TestDeclareMetrics_Rejects(t *testing.T) {
	s := New(nodeID)
	err := s.DeclareMetrics([]sparkplug.Metric{sparkplug.Double("a", 1), sparkplug.Double("a", 2)})
	if !errors.Is(err, sparkplug.ErrInvalidMetric) {
		t.Errorf("duplicate: error = %v, want ErrInvalidMetric", err)
	}
	err = s.DeclareMetrics([]sparkplug.Metric{{Type: sparkplug.TypeDouble, Value: 1.0}})
	if !errors.Is(err, sparkplug.ErrInvalidMetric) {
		t.Errorf("unnamed: error = %v, want ErrInvalidMetric", err)
	}
}

func TestUpdateKnown(t *testing.T) {
	s := New(nodeID)
	if err := s.DeclareMetrics([]sparkplug.Metric{sparkplug.Double("temp", 20)}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateKnown([]sparkplug.Metric{sparkplug.Double("temp", 25)}); err != nil {
		t.Fatalf("UpdateKnown() error = %v", err)
	}
	if m, _ := s.Known("temp"); m.Value != 25.0 {
		t.Errorf("known temp = %v, want 25", m.Value)
	}

	if err := s.UpdateKnown([]sparkplug.Metric{sparkplug.Double("humidity", 1)}); !errors.Is(err, sparkplug.ErrUnknownMetric) {
		t.Errorf("UpdateKnown(undeclared) error = %v, want ErrUnknownMetric", err)
	}
}

func TestInboundSequence(t *testing.T) {
	s := New(sparkplug.Identity{})
	peer := sparkplug.PeerID{Group: "plant", Node: "line-1"}

	if v := s.CheckInboundSequence(peer, 1); v.InOrder {
		t.Fatal("DATA from unknown peer reported in order")
	}

	s.RecordInboundBirth(peer, &sparkplug.Message{Metrics: []sparkplug.Metric{sparkplug.Int64(sparkplug.MetricBdSeq, 4)}})
	for seq := uint8(1); seq <= 3; seq++ {
		if v := s.CheckInboundSequence(peer, seq); !v.InOrder {
			t.Fatalf("seq %d reported out of order (expected %d)", seq, v.Expected)
		}
	}
	info, _ := s.Peer(peer)
	if info.Expected != 4 || info.Status != PeerSynced {
		t.Errorf("peer = %+v, want expected 4 synced", info)
	}
	if bd, ok := s.PeerBdSeq(peer); !ok || bd != 4 {
		t.Errorf("PeerBdSeq() = %d, %v", bd, ok)
	}

	v := s.CheckInboundSequence(peer, 7)
	if v.InOrder || v.Expected != 4 || v.Got != 7 {
		t.Errorf("CheckInboundSequence(7) = %+v", v)
	}
	if info, _ := s.Peer(peer); info.Expected != 4 {
		t.Errorf("expectation moved to %d on a gap", info.Expected)
	}
}

func TestInboundSequence_Wraps(t *testing.T) {
	s := New(sparkplug.Identity{})
	peer := sparkplug.PeerID{Group: "g", Node: "n"}
	s.RecordInboundBirth(peer, nil)

	seq := uint8(1)
	for i := 0; i < 300; i++ {
		if v := s.CheckInboundSequence(peer, seq); !v.InOrder {
			t.Fatalf("message %d seq %d out of order", i, seq)
		}
		seq++
	}
}

func TestResolveMetrics(t *testing.T) {
	s := New(sparkplug.Identity{})
	peer := sparkplug.PeerID{Group: "g", Node: "n"}
	s.RecordInboundBirth(peer, &sparkplug.Message{Metrics: []sparkplug.Metric{
		{Name: "count", Alias: 3, Type: sparkplug.TypeInt32, Value: int64(0)},
	}})

	got, err := s.ResolveMetrics(peer, []sparkplug.Metric{{Alias: 3, Value: uint64(0xFFFFFFFF)}})
	if err != nil {
		t.Fatalf("ResolveMetrics() error = %v", err)
	}
	if got[0].Name != "count" || got[0].Value != int64(-1) {
		t.Errorf("resolved = %+v", got[0])
	}

	if _, err := s.ResolveMetrics(peer, []sparkplug.Metric{{Alias: 9, Value: uint64(1)}}); !errors.Is(err, sparkplug.ErrCodec) {
		t.Errorf("unknown alias error = %v, want ErrCodec", err)
	}
}

func TestDevicesOf(t *testing.T) {
	s := New(sparkplug.Identity{})
	node := sparkplug.PeerID{Group: "g", Node: "n"}
	s.RecordInboundBirth(node, nil)
	s.RecordInboundBirth(sparkplug.PeerID{Group: "g", Node: "n", Device: "b"}, nil)
	s.RecordInboundBirth(sparkplug.PeerID{Group: "g", Node: "n", Device: "a"}, nil)
	s.RecordInboundBirth(sparkplug.PeerID{Group: "g", Node: "other", Device: "c"}, nil)

	devs := s.DevicesOf(node)
	if len(devs) != 2 || devs[0].Device != "a" || devs[1].Device != "b" {
		t.Errorf("DevicesOf() = %v", devs)
	}
}
