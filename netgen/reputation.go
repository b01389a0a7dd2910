package netgen

import (
	"time"

	"github.com/ftahirops/idlekeepd/model"
)

const reputationEMAAlpha = 0.2

// peerBook tracks every configured peer's reputation and protocol
// preference, and selects the best candidate for the next send.
type peerBook struct {
	peers []*model.PeerRecord
}

func newPeerBook(endpoints []string) *peerBook {
	pb := &peerBook{}
	for _, e := range endpoints {
		pb.peers = append(pb.peers, &model.PeerRecord{
			Endpoint:     e,
			ProtocolPref: model.ProtocolUDP,
			Reputation:   50, // neutral prior
		})
	}
	return pb
}

// recordSuccess raises reputation toward 100 via an EMA and clears the
// error streak.
func recordSuccess(p *model.PeerRecord, now time.Time) {
	p.Reputation = p.Reputation + reputationEMAAlpha*(100-p.Reputation)
	p.ConsecutiveErrors = 0
	p.LastOKTs = now
}

// recordFailure lowers reputation toward 0 via the same EMA and bumps the
// error streak.
func recordFailure(p *model.PeerRecord, now time.Time) {
	p.Reputation = p.Reputation + reputationEMAAlpha*(0-p.Reputation)
	p.ConsecutiveErrors++
	p.LastErrTs = now
}

// best returns the highest-reputation peer that still clears
// reputation_floor, or nil if every peer has fallen below it.
func (pb *peerBook) best(floor float64) *model.PeerRecord {
	var choice *model.PeerRecord
	for _, p := range pb.peers {
		if p.Reputation < floor {
			continue
		}
		if choice == nil || p.Reputation > choice.Reputation {
			choice = p
		}
	}
	return choice
}

// bestExcluding is like best but skips the given peer, used to rotate away
// from a peer whose reputation just dropped below the floor.
func (pb *peerBook) bestExcluding(floor float64, exclude *model.PeerRecord) *model.PeerRecord {
	var choice *model.PeerRecord
	for _, p := range pb.peers {
		if p == exclude || p.Reputation < floor {
			continue
		}
		if choice == nil || p.Reputation > choice.Reputation {
			choice = p
		}
	}
	return choice
}

// anyValidated reports whether at least one peer has passed external
// address validation.
func (pb *peerBook) anyValidated() bool {
	for _, p := range pb.peers {
		if p.ValidatedExternal {
			return true
		}
	}
	return false
}
