//go:build integration

package integration

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// a and c cannot reach each other directly; b can reach both and allows
// relaying. a must fall back to a relayed connection through b and still
// deliver packets to c unchanged.
func TestRelayFallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := &Harness{}
	h.NewNode("a", "10.0.0.1/32")
	h.NewNode("b", "10.0.0.2/32")
	h.NewNode("c", "10.0.0.3/32")
	h.Cut("a", "c")
	errs := h.Start(t)
	defer h.Stop()

	waitFor(t, 30*time.Second, "a to relay through b", func() bool {
		return h.PeerState("a", "c") == "relaying"
	})

	r, ok := h.RouteTo("a", "c")
	if !ok {
		t.Fatal("a has no route to c")
	}
	if r.Nh != h.Id("b") {
		t.Errorf("route a->c must go through b, got nh=%s", r.Nh)
	}
	if r.Kind != "relayed" {
		t.Errorf("route a->c must be relayed, got %s", r.Kind)
	}

	pkt := ipv4Packet("10.0.0.1", "10.0.0.3", []byte{222})
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

	select {
	case got := <-h.Device("c").Delivered():
		if !bytes.Equal(got, pkt) {
			t.Fatalf("relayed packet differs: %x != %x", got, pkt)
		}
		t.Log("got relayed ping")
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for relayed ping")
	}
}
