package node

import (
	"errors"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"peersync/go-core/internal/config"
	"peersync/go-core/internal/crypto"
	"peersync/go-core/internal/discovery"
	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/pairing"
	"peersync/go-core/internal/protocol"
	"peersync/go-core/internal/transfer"
	"peersync/go-core/pkg/models"
)

func announcementFor(self *identity.DeviceIdentity, cfg config.Config) protocol.Announcement {
	return protocol.Announcement{
		DeviceName:  cfg.DeviceName,
		DeviceID:    self.DeviceID(),
		ServicePort: cfg.ServicePort,
	}
}

// Announcement is the discovery payload the host broadcasts.
func (n *Node) Announcement() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.AnnouncementJSON()
}

// AddressFor resolves a trusted device to the address it last announced from.
func (n *Node) AddressFor(deviceID string) (ma.Multiaddr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pairing.TrustedKey(deviceID); !ok {
		return nil, ErrNotTrusted
	}
	peer, ok := n.registry.FindByDeviceID(deviceID)
	if !ok {
		return nil, discovery.ErrNoAddress
	}
	return discovery.DialAddress(peer)
}

// IssuePairingCode creates the code this device shows to a joining peer.
func (n *Node) IssuePairingCode(now time.Time) (*pairing.Code, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pairing.IssueCode(now)
}

// InstallPairingCode adopts a code issued out of process, such as by the
// keytool, as the live pairing code.
func (n *Node) InstallPairingCode(rec models.PairingCode) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.installCode(rec)
}

func (n *Node) installCode(rec models.PairingCode) error {
	code, err := pairing.CodeFromRecord(rec)
	if err != nil {
		return err
	}
	return n.pairing.InstallCode(code)
}

// PairingCode returns the current code with its usage state so the host can
// persist it after inbound pairing requests.
func (n *Node) PairingCode() (models.PairingCode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pairing.CodeRecord()
}

// StartPairing parses a scanned token and returns the encoded request to send
// to its issuer. The issuer's fingerprint is remembered until the code would
// have expired so its response can be checked.
func (n *Node) StartPairing(token string, now time.Time) ([]byte, error) {
	code, fingerprint, err := pairing.ParseToken(token)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expecting = &expectation{fingerprint: fingerprint, until: now.Add(n.cfg.PairingCodeTTL)}
	return protocol.Encode(pairing.NewRequestMessage(n.self, n.cfg.DeviceName, code))
}

func (n *Node) PendingPairings() []models.PairingRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pairing.Pending()
}

// ApprovePairing trusts the request's initiator and returns the encoded
// response that lets the initiator trust this device in turn.
func (n *Node) ApprovePairing(requestID string, now time.Time) (models.TrustedPeer, []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer, err := n.pairing.Approve(requestID, now)
	if err != nil {
		return models.TrustedPeer{}, nil, err
	}
	resp, err := n.pairing.BuildResponse(requestID)
	if err != nil {
		return peer, nil, err
	}
	raw, err := protocol.Encode(resp)
	return peer, raw, err
}

func (n *Node) RejectPairing(requestID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pairing.Reject(requestID)
}

// OfferKeyExchange starts a new session with a trusted peer. Any earlier
// unanswered offer to the same peer is discarded.
func (n *Node) OfferKeyExchange(deviceID string, now time.Time) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pairing.TrustedKey(deviceID); !ok {
		return nil, ErrNotTrusted
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	if prev, ok := n.offers[deviceID]; ok {
		prev.key.Discard()
	}
	o := &offer{sessionID: uuid.NewString(), key: eph, createdAt: now}
	n.offers[deviceID] = o
	return protocol.Encode(protocol.SignKeyExchange(n.self, o.sessionID, eph.PublicKey(), false, now))
}

// SignedSnapshot returns the full journal signed by this device.
func (n *Node) SignedSnapshot() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap, err := protocol.SignSnapshot(n.self, n.journal.Files())
	if err != nil {
		return nil, err
	}
	return protocol.Encode(snap)
}

// PrepareFile encrypts content for deviceID under the live session and returns
// one encoded file_chunk message per chunk, in order.
func (n *Node) PrepareFile(deviceID, path string, content []byte, now time.Time) ([][]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key, err := n.session(deviceID, now)
	if err != nil {
		return nil, err
	}
	chunks, err := transfer.PrepareTransfer(path, content, key, now)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		raw, err := protocol.Encode(protocol.FileChunk{
			SessionID: key.SessionID(),
			DeviceID:  n.self.DeviceID(),
			FileChunk: c,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	n.metrics.ChunksSealed(len(out))
	return out, nil
}

func (n *Node) session(deviceID string, now time.Time) (*crypto.SessionKey, error) {
	key, err := n.sessions.Get(deviceID, now)
	if errors.Is(err, crypto.ErrSessionNotFound) {
		return nil, ErrNoSession
	}
	return key, err
}
