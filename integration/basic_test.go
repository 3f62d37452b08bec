//go:build integration

package integration

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := &Harness{}
	h.NewNode("a", "10.0.0.1/32")
	h.NewNode("b", "10.0.0.2/32")
	h.NewNode("c", "10.0.0.3/32")
	errs := h.Start(t)
	select {
	case <-time.After(1000 * time.Millisecond):
	case err := <-errs:
		t.Error(err)
	}
	h.Stop()
}

func TestDirectPing(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := &Harness{}
	h.NewNode("a", "10.0.0.1/32")
	h.NewNode("b", "10.0.0.2/32")
	errs := h.Start(t)
	defer h.Stop()

	pkt := ipv4Packet("10.0.0.1", "10.0.0.2", []byte{111})
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
				_ = h.Device("a").Inject(pkt)
			}
		}
	}()

	// the delivered packet must be byte-identical to what went in
	for {
		select {
		case got := <-h.Device("b").Delivered():
			if bytes.Equal(got, pkt) {
				t.Log("got ping")
				return
			}
			t.Fatalf("delivered packet differs: %x != %x", got, pkt)
		case err := <-errs:
			t.Fatal(err)
		case <-time.After(15 * time.Second):
			t.Fatal("timed out waiting for ping")
		}
	}
}

func TestMeshBecomesEstablished(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := &Harness{}
	h.NewNode("a", "10.0.0.1/32")
	h.NewNode("b", "10.0.0.2/32")
	h.NewNode("c", "10.0.0.3/32")
	_ = h.Start(t)
	defer h.Stop()

	waitFor(t, 15*time.Second, "full mesh", func() bool {
		for _, of := range []string{"a", "b", "c"} {
			for _, about := range []string{"a", "b", "c"} {
				if of == about {
					continue
				}
				if h.PeerState(of, about) != "established" {
					return false
				}
			}
		}
		return true
	})

	// every pair must also have a direct route
	r, ok := h.RouteTo("a", "c")
	if !ok {
		t.Fatal("a has no route to c")
	}
	if r.Nh != h.Id("c") || r.Kind != "direct" {
		t.Errorf("expected direct route a->c, got nh=%s kind=%s", r.Nh, r.Kind)
	}
}
