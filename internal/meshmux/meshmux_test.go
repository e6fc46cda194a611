package meshmux

import (
	"context"
	"testing"
	"time"

	"github.com/KD9YQK/ax25meshchat/internal/link"
)

func TestSendSucceedsIfAtLeastOneLinkAccepts(t *testing.T) {
	m := New(nil, 16)
	a, peerA := link.NewPipePair("a", "peerA")
	defer a.Close()
	defer peerA.Close()
	m.AddLink(a)

	if err := a.Close(); err != nil { // force link a's Send to fail
		t.Fatalf("Close: %v", err)
	}
	b, peerB := link.NewPipePair("b", "peerB")
	defer b.Close()
	defer peerB.Close()
	m.AddLink(b)

	if err := m.Send(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-peerB.Inbound():
		if string(f.Bytes) != "frame" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame on surviving link")
	}
}

func TestSendFailsWhenAllLinksReject(t *testing.T) {
	m := New(nil, 16)
	a, _ := link.NewPipePair("a", "peerA")
	a.Close()
	m.AddLink(a)

	if err := m.Send(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected Send to fail when every link rejects")
	}
}

func TestSendFailsWithNoLinks(t *testing.T) {
	m := New(nil, 16)
	if err := m.Send(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected Send with zero links to fail")
	}
}

func TestInboundMergesAllLinksTaggedByName(t *testing.T) {
	m := New(nil, 16)
	a, peerA := link.NewPipePair("a", "peerA")
	defer a.Close()
	defer peerA.Close()
	b, peerB := link.NewPipePair("b", "peerB")
	defer b.Close()
	defer peerB.Close()
	m.AddLink(a)
	m.AddLink(b)

	if err := peerA.Send(context.Background(), []byte("from-a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := peerB.Send(context.Background(), []byte("from-b")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-m.Inbound():
			seen[f.LinkName] = string(f.Bytes)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged inbound frame")
		}
	}
	if seen["a"] != "from-a" || seen["b"] != "from-b" {
		t.Fatalf("unexpected merged frames: %+v", seen)
	}
}

func TestRemoveLinkStopsForwardingWithoutClosingLink(t *testing.T) {
	m := New(nil, 16)
	a, peerA := link.NewPipePair("a", "peerA")
	defer a.Close()
	defer peerA.Close()
	m.AddLink(a)

	if !m.RemoveLink("a") {
		t.Fatal("expected RemoveLink to report success")
	}
	if a.State() != link.StateUp {
		t.Fatal("RemoveLink must not close the underlying link")
	}

	if err := peerA.Send(context.Background(), []byte("late")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-m.Inbound():
		t.Fatalf("unexpected frame forwarded after RemoveLink: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLinksSnapshot(t *testing.T) {
	m := New(nil, 16)
	a, _ := link.NewPipePair("a", "peerA")
	defer a.Close()
	m.AddLink(a)

	links := m.Links()
	if len(links) != 1 || links[0].Name() != "a" {
		t.Fatalf("Links() = %+v", links)
	}
}
