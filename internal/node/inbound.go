package node

import (
	"errors"
	"fmt"
	"time"

	"peersync/go-core/internal/crypto"
	"peersync/go-core/internal/journal"
	"peersync/go-core/internal/protocol"
	"peersync/go-core/internal/transfer"
	"peersync/go-core/pkg/models"
)

// Outcome describes what one inbound message did. Reply, when set, must be
// sent back to the sender.
type Outcome struct {
	Type    protocol.MessageType
	Ignored bool

	PeerChanged bool
	Pairing     *models.PairingRequest
	Trusted     *models.TrustedPeer

	Reply       []byte
	SessionWith string
	Merge       *journal.MergeResult
	Transfers   []string
	Chunk       *ReceivedChunk
}

type ReceivedChunk struct {
	From        string
	FilePath    string
	ChunkIndex  uint32
	TotalChunks uint32
	Data        []byte
}

// HandleMessage dispatches one raw wire message from sender. Unknown message
// types are ignored. A journal merge that hit conflicts returns its Outcome
// together with an error wrapping journal.ErrConflict.
func (n *Node) HandleMessage(raw []byte, sender string, now time.Time) (Outcome, error) {
	msg, err := protocol.Decode(raw)
	if errors.Is(err, protocol.ErrUnknownType) {
		return Outcome{Ignored: true}, nil
	}
	if err != nil {
		n.metrics.ObserveMessage("invalid", "rejected")
		n.logger.Debug("discarding malformed message", "error", err)
		return Outcome{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var out Outcome
	switch m := msg.(type) {
	case protocol.Announcement:
		out.PeerChanged = n.registry.Apply(m, sender, now)
	case protocol.PairingRequest:
		err = n.handlePairingRequest(m, sender, now, &out)
	case protocol.PairingResponse:
		err = n.handlePairingResponse(m, now, &out)
	case protocol.KeyExchange:
		err = n.handleKeyExchange(m, now, &out)
	case protocol.JournalSnapshot:
		err = n.handleSnapshot(m, &out)
	case protocol.FileChunk:
		err = n.handleChunk(m, now, &out)
	}
	out.Type = msg.MessageType()

	outcome := "ok"
	switch {
	case errors.Is(err, journal.ErrConflict):
		outcome = "conflict"
	case err != nil:
		outcome = "rejected"
		n.logger.Debug("message rejected", "type", string(out.Type), "error", err)
	}
	n.metrics.ObserveMessage(string(out.Type), outcome)
	return out, err
}

func (n *Node) handlePairingRequest(m protocol.PairingRequest, sender string, now time.Time, out *Outcome) error {
	rec, err := n.pairing.HandleRequest(m, sender, now)
	if err != nil {
		return err
	}
	out.Pairing = &rec
	return nil
}

func (n *Node) handlePairingResponse(m protocol.PairingResponse, now time.Time, out *Outcome) error {
	if n.expecting == nil || !now.Before(n.expecting.until) {
		return ErrNoPairing
	}
	peer, err := n.pairing.AcceptResponse(m, n.expecting.fingerprint, now)
	if err != nil {
		return err
	}
	n.expecting = nil
	out.Trusted = &peer
	return nil
}

func (n *Node) handleKeyExchange(m protocol.KeyExchange, now time.Time, out *Outcome) error {
	pub, ok := n.pairing.TrustedKey(m.DeviceID)
	if !ok {
		return ErrNotTrusted
	}
	if err := protocol.VerifyKeyExchange(m, pub); err != nil {
		return err
	}
	if skew := now.Sub(m.Time()); skew > offerMaxSkew || skew < -offerMaxSkew {
		return fmt.Errorf("%w: created %s from local clock", ErrStaleOffer, skew)
	}
	if m.Reply {
		return n.completeOffer(m, now, out)
	}

	// A redelivered offer must not replace the session it already produced.
	if prev, ok := n.answered[answerKey{m.DeviceID, m.SessionID}]; ok {
		if n.liveSession(m.DeviceID, m.SessionID, now) {
			out.Reply = prev.reply
		} else {
			out.Ignored = true
		}
		return nil
	}

	if pending, ok := n.offers[m.DeviceID]; ok {
		// Both sides offered at once. The larger device id keeps its offer.
		if n.self.DeviceID() > m.DeviceID {
			out.Ignored = true
			return nil
		}
		pending.key.Discard()
		delete(n.offers, m.DeviceID)
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return err
	}
	local := eph.PublicKey()
	key, err := eph.Establish(m.EphemeralPublic, n.sessionParams(m, local, now))
	if err != nil {
		eph.Discard()
		return err
	}
	reply, err := protocol.Encode(protocol.SignKeyExchange(n.self, m.SessionID, local, true, now))
	if err != nil {
		key.Wipe()
		return err
	}
	n.installSession(key)
	n.answered[answerKey{m.DeviceID, m.SessionID}] = answer{reply: reply, until: now.Add(2 * offerMaxSkew)}
	out.Reply = reply
	out.SessionWith = m.DeviceID
	return nil
}

func (n *Node) completeOffer(m protocol.KeyExchange, now time.Time, out *Outcome) error {
	pending, ok := n.offers[m.DeviceID]
	if !ok || pending.sessionID != m.SessionID {
		if n.liveSession(m.DeviceID, m.SessionID, now) {
			out.Ignored = true
			return nil
		}
		return ErrUnexpectedReply
	}
	delete(n.offers, m.DeviceID)
	if now.Sub(pending.createdAt) >= offerTTL {
		pending.key.Discard()
		return fmt.Errorf("%w: offer expired", ErrUnexpectedReply)
	}
	key, err := pending.key.Establish(m.EphemeralPublic, n.sessionParams(m, pending.key.PublicKey(), now))
	if err != nil {
		pending.key.Discard()
		return err
	}
	n.installSession(key)
	out.SessionWith = m.DeviceID
	return nil
}

// liveSession reports whether the usable session with peer is sessionID.
func (n *Node) liveSession(peer, sessionID string, now time.Time) bool {
	key, err := n.sessions.Get(peer, now)
	return err == nil && key.SessionID() == sessionID
}

func (n *Node) sessionParams(m protocol.KeyExchange, local []byte, now time.Time) crypto.SessionParams {
	return crypto.SessionParams{
		SessionID:   m.SessionID,
		PeerID:      m.DeviceID,
		LocalPublic: local,
		PeerPublic:  m.EphemeralPublic,
		CreatedAt:   now,
		TTL:         n.cfg.SessionTTL,
	}
}

func (n *Node) installSession(key *crypto.SessionKey) {
	n.sessions.Put(key)
	n.metrics.SetSessions(n.sessions.Len())
	n.logger.Info("session established", "peer_device_id", key.PeerID(), "session_id", key.SessionID())
}

func (n *Node) handleSnapshot(m protocol.JournalSnapshot, out *Outcome) error {
	pub, ok := n.pairing.TrustedKey(m.DeviceID)
	if !ok {
		return ErrNotTrusted
	}
	if err := protocol.VerifySnapshot(m, pub); err != nil {
		return err
	}
	res := n.journal.Merge(m.Files)
	out.Merge = &res
	for _, path := range res.Applied {
		if entry, ok := n.journal.Get(path); ok && !entry.IsDeleted {
			out.Transfers = append(out.Transfers, path)
		}
	}
	n.metrics.JournalMerged(len(res.Applied), len(res.Conflicts))
	if res.Rejected > 0 {
		n.logger.Warn("snapshot entries rejected", "peer_device_id", m.DeviceID, "count", res.Rejected)
	}
	return res.Err()
}

func (n *Node) handleChunk(m protocol.FileChunk, now time.Time, out *Outcome) error {
	if _, ok := n.pairing.TrustedKey(m.DeviceID); !ok {
		return ErrNotTrusted
	}
	key, err := n.session(m.DeviceID, now)
	if err != nil {
		return err
	}
	if key.SessionID() != m.SessionID {
		return fmt.Errorf("%w: chunk belongs to another session", ErrNoSession)
	}
	data, err := transfer.DecryptChunk(m.FileChunk, key, now)
	if err != nil {
		n.metrics.ChunkRejected()
		return err
	}
	n.metrics.ChunkOpened()
	out.Chunk = &ReceivedChunk{
		From:        m.DeviceID,
		FilePath:    m.FilePath,
		ChunkIndex:  m.ChunkIndex,
		TotalChunks: m.TotalChunks,
		Data:        data,
	}
	return nil
}
