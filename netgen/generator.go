// Package netgen implements the NetGenerator emitter from spec §4.7: a
// token-bucket-paced UDP/TCP packet source that only ever runs while
// NetFallbackState says it should, validates its peers are genuinely
// external and that traffic is actually leaving the NIC, and degrades
// from UDP to TCP (and finally to an error state) as peers misbehave.
package netgen

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/model"
)

const emitInterval = 5 * time.Millisecond

// Generator owns the packet emitter and its state machine. Tick drives the
// state machine from the coordinator's slower cadence; Start/Stop run the
// fast packet emitter loop.
type Generator struct {
	mu  sync.Mutex
	cfg config.Config
	log zerolog.Logger

	state   model.GenState
	book    *peerBook
	current *model.PeerRecord

	payload []byte // preallocated, reused every send

	udpConn net.Conn
	tcpConn net.Conn

	validationFailStreak int
	udpFailStreak        int
	lastValidationAt      time.Time

	limiter *rate.Limiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Generator in GenOff. It never emits until Tick sees the
// fallback state request activation.
func New(cfg config.Config, logger zerolog.Logger) *Generator {
	payload := make([]byte, cfg.PacketSizeBytes)
	return &Generator{
		cfg:     cfg,
		log:     logger,
		state:   model.GenOff,
		book:    newPeerBook(cfg.Peers),
		payload: payload,
		limiter: rate.NewLimiter(rate.Every(emitInterval), 1),
	}
}

// Start launches the fast packet-emitter goroutine.
func (g *Generator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.wg.Add(1)
	go g.emitLoop(ctx)
}

// Stop halts the emitter and closes any open connections.
func (g *Generator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.mu.Lock()
	g.closeConnsLocked()
	g.mu.Unlock()
}

func (g *Generator) emitLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return // context cancelled
		}
		g.sendOnce()
	}
}

func (g *Generator) sendOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()

	var proto model.Protocol
	switch g.state {
	case model.GenActiveUDP:
		proto = model.ProtocolUDP
	case model.GenActiveTCP:
		proto = model.ProtocolTCP
	default:
		return
	}

	g.reselectIfBelowFloorLocked(proto)

	var conn net.Conn
	switch proto {
	case model.ProtocolUDP:
		conn = g.udpConn
	case model.ProtocolTCP:
		conn = g.tcpConn
	}
	if conn == nil || g.current == nil {
		return
	}

	_, err := conn.Write(g.payload)
	now := time.Now()
	if err != nil {
		recordFailure(g.current, now)
		if g.state == model.GenActiveUDP {
			g.udpFailStreak++
		}
		return
	}
	recordSuccess(g.current, now)
	if g.state == model.GenActiveUDP {
		g.udpFailStreak = 0
	}
}

// reselectIfBelowFloorLocked runs on every send cycle, per spec §4.7
// scenario 6: once the active peer's reputation falls below
// reputation_floor, rotate to the next-best peer within the same
// protocol. When no other peer clears the floor, the current peer is
// kept. Protocol escalation does not look at reputation: Tick moves from
// UDP to TCP only after udp_fail_streak_to_tcp consecutive write errors.
func (g *Generator) reselectIfBelowFloorLocked(proto model.Protocol) {
	if g.current == nil || g.current.Reputation >= g.cfg.ReputationFloor {
		return
	}
	next := g.book.bestExcluding(g.cfg.ReputationFloor, g.current)
	if next == nil {
		return
	}
	g.dialAndSwapLocked(proto, next)
}

// State reports the generator's current state machine position.
func (g *Generator) State() model.GenState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Tick advances the generator's state machine by one coordinator tick.
// desiredActive comes from netfallback.State.Active(). txDeltaBytes is the
// NIC tx byte delta observed since the previous sensor read (one
// coordinator tick), used to confirm packets are genuinely leaving the host.
func (g *Generator) Tick(now time.Time, desiredActive bool, txDeltaBytes uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case model.GenOff:
		if desiredActive {
			g.state = model.GenInitializing
		}
	case model.GenInitializing:
		if !desiredActive {
			g.state = model.GenOff
			return
		}
		g.validateAddressesLocked()
		if !g.cfg.RequireExternalPeers || g.book.anyValidated() {
			g.state = model.GenValidating
			g.lastValidationAt = now
		} else {
			g.state = model.GenError
			g.lastValidationAt = now
		}
	case model.GenValidating:
		if !desiredActive {
			g.closeConnsLocked()
			g.state = model.GenOff
			return
		}
		if now.Sub(g.lastValidationAt) < g.cfg.ValidationTimeout {
			return
		}
		if txDeltaBytes >= g.cfg.MinTxDeltaBytes {
			g.validationFailStreak = 0
			if g.openConnLocked(model.ProtocolUDP) {
				g.state = model.GenActiveUDP
			} else {
				g.state = model.GenError
			}
			return
		}
		g.bumpValidationFailureLocked(now)
	case model.GenActiveUDP:
		if !desiredActive {
			g.closeConnsLocked()
			g.state = model.GenOff
			return
		}
		if g.udpFailStreak >= g.cfg.UDPFailStreakToTCP {
			if g.openConnLocked(model.ProtocolTCP) {
				g.state = model.GenActiveTCP
			} else {
				g.state = model.GenError
			}
			return
		}
		g.revalidateLocked(now, txDeltaBytes)
	case model.GenActiveTCP:
		if !desiredActive {
			g.closeConnsLocked()
			g.state = model.GenOff
			return
		}
		g.revalidateLocked(now, txDeltaBytes)
	case model.GenError:
		if !desiredActive {
			g.state = model.GenOff
			return
		}
		if now.Sub(g.lastValidationAt) >= g.cfg.ValidationInterval {
			g.validationFailStreak = 0
			g.state = model.GenInitializing
		}
	}
}

func (g *Generator) revalidateLocked(now time.Time, txDeltaBytes uint64) {
	if now.Sub(g.lastValidationAt) < g.cfg.ValidationInterval {
		return
	}
	if txDeltaBytes < g.cfg.MinTxDeltaBytes {
		g.bumpValidationFailureLocked(now)
		return
	}
	g.validationFailStreak = 0
	g.lastValidationAt = now
}

func (g *Generator) bumpValidationFailureLocked(now time.Time) {
	g.validationFailStreak++
	g.lastValidationAt = now
	if g.validationFailStreak >= g.cfg.ValidationFailStreak {
		g.closeConnsLocked()
		g.state = model.GenError
	}
}

// validateAddressesLocked resolves and range-checks every configured peer
// that hasn't already been validated.
func (g *Generator) validateAddressesLocked() {
	for _, p := range g.book.peers {
		if p.ValidatedExternal {
			continue
		}
		ip, err := resolveEndpointIP(p.Endpoint)
		if err != nil {
			continue
		}
		p.ValidatedExternal = isExternalAddress(ip)
	}
}

// openConnLocked dials the best-reputation peer over proto, closing any
// previous connection of the other protocol.
func (g *Generator) openConnLocked(proto model.Protocol) bool {
	peer := g.book.best(g.cfg.ReputationFloor)
	if peer == nil {
		return false
	}
	conn, err := g.dialLocked(proto, peer)
	if err != nil {
		g.log.Warn().Str("peer", peer.Endpoint).Str("proto", proto.String()).Err(err).Msg("netgen dial failed")
		recordFailure(peer, time.Now())
		return false
	}

	g.closeConnsLocked()
	peer.ProtocolPref = proto
	g.current = peer
	if proto == model.ProtocolUDP {
		g.udpConn = conn
	} else {
		g.tcpConn = conn
	}
	return true
}

// dialAndSwapLocked dials peer over proto and, on success, replaces only
// that protocol's live connection and the current peer, leaving the other
// protocol's connection (if any) untouched.
func (g *Generator) dialAndSwapLocked(proto model.Protocol, peer *model.PeerRecord) bool {
	conn, err := g.dialLocked(proto, peer)
	if err != nil {
		g.log.Warn().Str("peer", peer.Endpoint).Str("proto", proto.String()).Err(err).Msg("netgen reselect dial failed")
		recordFailure(peer, time.Now())
		return false
	}

	switch proto {
	case model.ProtocolUDP:
		if g.udpConn != nil {
			_ = g.udpConn.Close()
		}
		g.udpConn = conn
	case model.ProtocolTCP:
		if g.tcpConn != nil {
			_ = g.tcpConn.Close()
		}
		g.tcpConn = conn
	}
	peer.ProtocolPref = proto
	g.current = peer
	return true
}

// dialLocked opens one connection to peer over proto, enabling TCP_NODELAY
// on TCP connections so fallback traffic doesn't coalesce into Nagle-sized
// bursts.
func (g *Generator) dialLocked(proto model.Protocol, peer *model.PeerRecord) (net.Conn, error) {
	network := "udp"
	if proto == model.ProtocolTCP {
		network = "tcp"
	}
	conn, err := net.DialTimeout(network, peer.Endpoint, g.cfg.ValidationTimeout)
	if err != nil {
		return nil, err
	}
	if proto == model.ProtocolTCP {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}
	return conn, nil
}

func (g *Generator) closeConnsLocked() {
	if g.udpConn != nil {
		_ = g.udpConn.Close()
		g.udpConn = nil
	}
	if g.tcpConn != nil {
		_ = g.tcpConn.Close()
		g.tcpConn = nil
	}
	g.current = nil
}
