package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peersync/go-core/internal/config"
	"peersync/go-core/internal/crypto"
	"peersync/go-core/internal/discovery"
	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/journal"
	"peersync/go-core/internal/metrics"
	"peersync/go-core/internal/pairing"
	"peersync/go-core/internal/platform/privacylog"
	"peersync/go-core/internal/platform/ratelimiter"
	"peersync/go-core/pkg/models"
)

const (
	limiterIdleTTL = 10 * time.Minute
	offerTTL       = 30 * time.Second
	// offerMaxSkew bounds how far an offer's created_at may be from the
	// receiver's clock, in either direction.
	offerMaxSkew = 2 * time.Minute
)

var (
	ErrNotTrusted      = errors.New("peer is not trusted")
	ErrNoSession       = errors.New("no session with peer")
	ErrUnexpectedReply = errors.New("unexpected key exchange reply")
	ErrNoPairing       = errors.New("no pairing in progress")
	ErrStaleOffer      = errors.New("key exchange offer is stale")
)

type Options struct {
	Logger *slog.Logger
	// Metrics overrides the recorder built from cfg.MetricsEnabled.
	Metrics *metrics.Metrics
	// Journal, Trusted and PairingCode seed the node with persisted state.
	Journal     *journal.Journal
	Trusted     []models.TrustedPeer
	PairingCode *models.PairingCode
}

// Node wires the trust and sync components for one device. Its methods are
// safe for concurrent use; the components it owns are only touched under mu.
type Node struct {
	mu sync.Mutex

	self    *identity.DeviceIdentity
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *discovery.Registry
	pairing  *pairing.Manager
	journal  *journal.Journal
	sessions *crypto.SessionStore

	offers    map[string]*offer
	answered  map[answerKey]answer
	expecting *expectation
}

// offer is a key exchange this node started and is waiting to complete.
type offer struct {
	sessionID string
	key       *crypto.EphemeralKey
	createdAt time.Time
}

type answerKey struct {
	peer      string
	sessionID string
}

// answer is the reply sent for a peer's offer. It is re-sent when the same
// offer arrives again and is kept for as long as that offer could still pass
// the freshness check.
type answer struct {
	reply []byte
	until time.Time
}

// expectation is the responder fingerprint read from a pairing token.
type expectation struct {
	fingerprint string
	until       time.Time
}

func New(self *identity.DeviceIdentity, cfg config.Config, opts Options) (*Node, error) {
	if self == nil {
		return nil, errors.New("identity is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := privacylog.OrDiscard(opts.Logger).With("device_id", self.DeviceID())
	recorder := opts.Metrics
	if recorder == nil && cfg.MetricsEnabled {
		recorder = metrics.New(true)
	}

	n := &Node{
		self:     self,
		cfg:      cfg,
		logger:   logger,
		metrics:  recorder,
		journal:  opts.Journal,
		sessions: crypto.NewSessionStore(),
		offers:   make(map[string]*offer),
		answered: make(map[answerKey]answer),
	}
	if n.journal == nil {
		n.journal = journal.New()
	}
	n.registry = discovery.NewRegistry(announcementFor(self, cfg), discovery.Options{
		Logger:  logger,
		Metrics: recorder,
		Limiter: ratelimiter.New(cfg.AnnounceRate, cfg.AnnounceBurst, limiterIdleTTL),
	})
	n.pairing = pairing.NewManager(self, cfg.DeviceName, pairing.Options{
		Logger:     logger,
		Metrics:    recorder,
		Limiter:    ratelimiter.New(cfg.PairingRate, cfg.PairingBurst, limiterIdleTTL),
		CodeTTL:    cfg.PairingCodeTTL,
		RequestTTL: cfg.PairingRequestTTL,
	})
	if err := n.pairing.Restore(opts.Trusted); err != nil {
		return nil, err
	}
	if opts.PairingCode != nil {
		if err := n.installCode(*opts.PairingCode); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Metrics returns the node's recorder, nil when metrics are disabled. The host
// serves its Registry.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

func (n *Node) DeviceID() string {
	return n.self.DeviceID()
}

func (n *Node) Fingerprint() string {
	return n.self.Fingerprint()
}

// UpdateFile records a local write attributed to this device.
func (n *Node) UpdateFile(path string, content []byte, mtime int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.journal.UpdateFile(path, content, mtime, n.self.DeviceID())
}

// MarkDeleted records a local delete attributed to this device.
func (n *Node) MarkDeleted(path string, mtime int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.journal.MarkDeleted(path, mtime, n.self.DeviceID())
}

func (n *Node) File(path string) (models.FileMetadata, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.journal.Get(path)
}

// JournalJSON serializes the journal for persistence.
func (n *Node) JournalJSON() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.journal.ToJSON()
}

func (n *Node) Trusted() []models.TrustedPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pairing.Trusted()
}

func (n *Node) Peers() []models.DiscoveredPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.Peers()
}

// Revoke drops trust in deviceID and any session with it.
func (n *Node) Revoke(deviceID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions.Remove(deviceID)
	if o, ok := n.offers[deviceID]; ok {
		o.key.Discard()
		delete(n.offers, deviceID)
	}
	n.metrics.SetSessions(n.sessions.Len())
	return n.pairing.Revoke(deviceID)
}

type TickReport struct {
	PeersPruned    int
	SessionsPruned int
	RequestsPruned int
}

// Tick expires stale state. The host calls it on its own schedule.
func (n *Node) Tick(now time.Time) TickReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	report := TickReport{
		PeersPruned:    n.registry.PrunePeers(now, n.cfg.PeerTTL),
		SessionsPruned: n.sessions.PruneExpired(now),
		RequestsPruned: n.pairing.Prune(now),
	}
	for peer, o := range n.offers {
		if now.Sub(o.createdAt) >= offerTTL {
			o.key.Discard()
			delete(n.offers, peer)
		}
	}
	for k, a := range n.answered {
		if !now.Before(a.until) {
			delete(n.answered, k)
		}
	}
	if n.expecting != nil && !now.Before(n.expecting.until) {
		n.expecting = nil
	}
	n.metrics.SetSessions(n.sessions.Len())
	return report
}
