package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"peersync/go-core/internal/metrics"
	"peersync/go-core/internal/platform/privacylog"
	"peersync/go-core/internal/platform/ratelimiter"
	"peersync/go-core/internal/protocol"
	"peersync/go-core/pkg/models"
)

var ErrNoAddress = errors.New("peer has no dial address")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Limiter throttles announcements per sender address.
	Limiter *ratelimiter.MapLimiter
}

// Registry is the set of peers heard on the local network, keyed by the
// announced peer id. It holds no lock; callers serialize access.
type Registry struct {
	self    protocol.Announcement
	peers   map[string]models.DiscoveredPeer
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimiter.MapLimiter
}

// NewRegistry describes this node with self. An empty PeerID gets a random
// one, fresh per process.
func NewRegistry(self protocol.Announcement, opts Options) *Registry {
	self.PeerID = strings.TrimSpace(self.PeerID)
	if self.PeerID == "" {
		self.PeerID = uuid.NewString()
	}
	return &Registry{
		self:    self,
		peers:   make(map[string]models.DiscoveredPeer),
		logger:  privacylog.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		limiter: opts.Limiter,
	}
}

func (r *Registry) PeerID() string {
	return r.self.PeerID
}

// Announcement is the payload this node broadcasts.
func (r *Registry) Announcement() protocol.Announcement {
	return r.self
}

func (r *Registry) AnnouncementJSON() ([]byte, error) {
	return protocol.Encode(r.self)
}

// ProcessAnnouncement handles one datagram from the shared channel. Messages
// of other types, and messages without a type, return (false, nil). Malformed
// announcements return an error wrapping protocol.ErrParse.
func (r *Registry) ProcessAnnouncement(raw []byte, sender string, now time.Time) (bool, error) {
	t, err := protocol.PeekType(raw)
	if errors.Is(err, protocol.ErrUnknownType) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t != protocol.TypeAnnouncement {
		return false, nil
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return false, err
	}
	return r.Apply(msg.(protocol.Announcement), sender, now), nil
}

// Apply upserts the announcing peer. It reports true when the peer is new or
// any stored field changed; an exact replay at the same now reports false.
func (r *Registry) Apply(ann protocol.Announcement, sender string, now time.Time) bool {
	if ann.PeerID == r.self.PeerID {
		return false
	}
	sender = strings.TrimSpace(sender)
	if !r.limiter.Allow(sender, now) {
		r.logger.Debug("announcement rate limited", "peer_id", ann.PeerID)
		return false
	}
	next := models.DiscoveredPeer{
		ID:          ann.PeerID,
		Name:        ann.DeviceName,
		DeviceID:    ann.DeviceID,
		LastSeen:    now,
		Address:     sender,
		ServicePort: ann.ServicePort,
	}
	prev, known := r.peers[ann.PeerID]
	if known && samePeer(prev, next) {
		return false
	}
	r.peers[ann.PeerID] = next
	r.metrics.SetPeers(len(r.peers))
	if !known {
		r.logger.Info("peer discovered", "peer_id", next.ID, "device_id", next.DeviceID)
	}
	return true
}

func samePeer(a, b models.DiscoveredPeer) bool {
	return a.ID == b.ID && a.Name == b.Name && a.DeviceID == b.DeviceID &&
		a.Address == b.Address && a.ServicePort == b.ServicePort && a.LastSeen.Equal(b.LastSeen)
}

// PrunePeers removes every peer with now - last_seen >= ttl.
func (r *Registry) PrunePeers(now time.Time, ttl time.Duration) int {
	removed := 0
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) >= ttl {
			delete(r.peers, id)
			removed++
		}
	}
	if removed > 0 {
		r.metrics.SetPeers(len(r.peers))
		r.logger.Debug("stale peers pruned", "count", removed)
	}
	return removed
}

func (r *Registry) Remove(peerID string) bool {
	if _, ok := r.peers[peerID]; !ok {
		return false
	}
	delete(r.peers, peerID)
	r.metrics.SetPeers(len(r.peers))
	return true
}

func (r *Registry) Peer(peerID string) (models.DiscoveredPeer, bool) {
	p, ok := r.peers[peerID]
	return p, ok
}

func (r *Registry) Len() int {
	return len(r.peers)
}

// Peers returns all peers sorted by id.
func (r *Registry) Peers() []models.DiscoveredPeer {
	out := make([]models.DiscoveredPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByDeviceID returns the most recently seen peer announcing deviceID. A
// device restarted under a new peer id may appear twice until pruning.
func (r *Registry) FindByDeviceID(deviceID string) (models.DiscoveredPeer, bool) {
	var (
		best  models.DiscoveredPeer
		found bool
	)
	for _, p := range r.peers {
		if p.DeviceID != deviceID {
			continue
		}
		if !found || p.LastSeen.After(best.LastSeen) || (p.LastSeen.Equal(best.LastSeen) && p.ID > best.ID) {
			best, found = p, true
		}
	}
	return best, found
}

// DialAddress converts a peer's sender address and service port into a TCP
// multiaddr for the transport.
func DialAddress(p models.DiscoveredPeer) (ma.Multiaddr, error) {
	host := strings.TrimSpace(p.Address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return nil, ErrNoAddress
	}
	if p.ServicePort <= 0 || p.ServicePort > 65535 {
		return nil, fmt.Errorf("%w: service port %d", ErrNoAddress, p.ServicePort)
	}
	proto := "dns"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"
		if v4 := ip.To4(); v4 != nil {
			proto, host = "ip4", v4.String()
		}
	}
	return ma.NewMultiaddr("/" + proto + "/" + host + "/tcp/" + strconv.Itoa(p.ServicePort))
}
