package netgen

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/model"
)

// loopbackUDPPeer opens a throwaway UDP socket on loopback and returns its
// address, so dialing it in tests never blocks or errors.
func loopbackUDPPeer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.LocalAddr().String()
}

func testGenerator(t *testing.T, mutate func(*config.Config)) *Generator {
	t.Helper()
	cfg := config.Default()
	cfg.RequireExternalPeers = false
	cfg.Peers = []string{loopbackUDPPeer(t)}
	cfg.ValidationTimeout = time.Millisecond
	cfg.ValidationInterval = time.Millisecond
	cfg.MinTxDeltaBytes = 1
	cfg.ValidationFailStreak = 2
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, zerolog.Nop())
}

func TestGeneratorStaysOffWhenNotDesired(t *testing.T) {
	g := testGenerator(t, nil)
	g.Tick(time.Now(), false, 0)
	if g.State() != model.GenOff {
		t.Fatalf("expected OFF, got %v", g.State())
	}
}

func TestGeneratorProgressesToActiveUDP(t *testing.T) {
	g := testGenerator(t, nil)
	now := time.Now()

	g.Tick(now, true, 0) // OFF -> INITIALIZING
	if g.State() != model.GenInitializing {
		t.Fatalf("expected INITIALIZING, got %v", g.State())
	}

	g.Tick(now, true, 0) // INITIALIZING -> VALIDATING (require_external_peers=false)
	if g.State() != model.GenValidating {
		t.Fatalf("expected VALIDATING, got %v", g.State())
	}

	later := now.Add(time.Second) // past validation_timeout
	g.Tick(later, true, 10)       // enough tx delta -> ACTIVE_UDP
	if g.State() != model.GenActiveUDP {
		t.Fatalf("expected ACTIVE_UDP, got %v", g.State())
	}
	g.Stop()
}

func TestGeneratorDeactivatesOnDemand(t *testing.T) {
	g := testGenerator(t, nil)
	now := time.Now()
	g.Tick(now, true, 0)
	g.Tick(now, true, 0)
	g.Tick(now.Add(time.Second), true, 10)
	if g.State() != model.GenActiveUDP {
		t.Fatalf("setup failed: expected ACTIVE_UDP, got %v", g.State())
	}

	g.Tick(now.Add(2*time.Second), false, 10)
	if g.State() != model.GenOff {
		t.Fatalf("expected OFF after deactivation, got %v", g.State())
	}
	g.Stop()
}

func TestGeneratorFallsIntoErrorWhenNoTxObserved(t *testing.T) {
	g := testGenerator(t, nil)
	now := time.Now()
	g.Tick(now, true, 0)
	g.Tick(now, true, 0) // -> VALIDATING

	t1 := now.Add(time.Second)
	g.Tick(t1, true, 0) // no tx delta: fail streak 1
	t2 := t1.Add(time.Second)
	g.Tick(t2, true, 0) // fail streak 2 == ValidationFailStreak -> ERROR
	if g.State() != model.GenError {
		t.Fatalf("expected ERROR after repeated validation failures, got %v", g.State())
	}
	g.Stop()
}

func TestSendOnceRotatesAwayFromPeerBelowReputationFloor(t *testing.T) {
	peerA := loopbackUDPPeer(t)
	peerB := loopbackUDPPeer(t)
	g := testGenerator(t, func(c *config.Config) { c.Peers = []string{peerA, peerB} })
	now := time.Now()

	g.Tick(now, true, 0)
	g.Tick(now, true, 0)
	g.Tick(now.Add(time.Second), true, 10)
	if g.State() != model.GenActiveUDP {
		t.Fatalf("setup failed: expected ACTIVE_UDP, got %v", g.State())
	}

	g.mu.Lock()
	firstPeer := g.current
	firstPeer.Reputation = g.cfg.ReputationFloor - 1 // drop below floor
	g.mu.Unlock()

	g.sendOnce()

	g.mu.Lock()
	rotated := g.current != firstPeer
	newPeerOK := g.current != nil && g.current.Reputation >= g.cfg.ReputationFloor
	g.mu.Unlock()
	if !rotated {
		t.Fatalf("expected rotation away from the below-floor peer")
	}
	if !newPeerOK {
		t.Fatalf("expected the new current peer to clear reputation_floor")
	}
	g.Stop()
}

func TestSendOnceHoldsPeerWhenNoAlternativeClearsFloor(t *testing.T) {
	g := testGenerator(t, nil) // single configured peer
	now := time.Now()

	g.Tick(now, true, 0)
	g.Tick(now, true, 0)
	g.Tick(now.Add(time.Second), true, 10)
	if g.State() != model.GenActiveUDP {
		t.Fatalf("setup failed: expected ACTIVE_UDP, got %v", g.State())
	}

	g.mu.Lock()
	only := g.current
	only.Reputation = g.cfg.ReputationFloor - 1
	g.mu.Unlock()

	g.sendOnce()

	g.mu.Lock()
	stillCurrent := g.current == only
	g.mu.Unlock()
	if !stillCurrent {
		t.Fatalf("expected the sole peer to remain current when no alternative clears the floor")
	}
	g.Stop()
}

func TestGeneratorFallsBackFromUDPToTCPAfterFailStreak(t *testing.T) {
	g := testGenerator(t, func(c *config.Config) { c.UDPFailStreakToTCP = 1 })
	now := time.Now()
	g.Tick(now, true, 0)
	g.Tick(now, true, 0)
	g.Tick(now.Add(time.Second), true, 10)
	if g.State() != model.GenActiveUDP {
		t.Fatalf("setup failed: expected ACTIVE_UDP, got %v", g.State())
	}

	g.mu.Lock()
	g.udpFailStreak = g.cfg.UDPFailStreakToTCP
	g.mu.Unlock()

	// TCP dial to a UDP-only loopback socket will fail fast (connection
	// refused), which is enough to exercise the fallback transition path
	// without needing a real TCP listener.
	g.Tick(now.Add(2*time.Second), true, 10)
	if g.State() != model.GenActiveTCP && g.State() != model.GenError {
		t.Fatalf("expected fallback attempt to land on ACTIVE_TCP or ERROR, got %v", g.State())
	}
	g.Stop()
}
