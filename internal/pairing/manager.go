package pairing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/metrics"
	"peersync/go-core/internal/platform/privacylog"
	"peersync/go-core/internal/platform/ratelimiter"
	"peersync/go-core/internal/protocol"
	"peersync/go-core/pkg/models"
)

const (
	defaultMaxPending = 16
	defaultRequestTTL = 15 * time.Minute
	// A code is burned after this many wrong guesses.
	maxCodeAttempts = 5
)

var (
	// ErrPairingRejected is the only failure a pairing request can produce.
	// The peer never learns which check failed.
	ErrPairingRejected   = errors.New("pairing rejected")
	ErrRequestNotFound   = errors.New("pairing request not found")
	ErrRequestNotPending = errors.New("pairing request is not pending")
	ErrInvalidTrustEntry = errors.New("invalid trusted peer")
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Limiter throttles inbound requests per sender address.
	Limiter    *ratelimiter.MapLimiter
	CodeTTL    time.Duration
	RequestTTL time.Duration
	MaxPending int
}

// Manager owns this device's side of pairing: the live code, inbound requests
// and the resulting trusted set. It holds no lock; callers serialize access.
type Manager struct {
	self    *identity.DeviceIdentity
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimiter.MapLimiter

	codeTTL    time.Duration
	requestTTL time.Duration
	maxPending int

	code     *Code
	requests map[string]*Request
	trusted  map[string]models.TrustedPeer
}

func NewManager(self *identity.DeviceIdentity, name string, opts Options) *Manager {
	m := &Manager{
		self:       self,
		name:       strings.TrimSpace(name),
		logger:     privacylog.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		limiter:    opts.Limiter,
		codeTTL:    opts.CodeTTL,
		requestTTL: opts.RequestTTL,
		maxPending: opts.MaxPending,
		requests:   make(map[string]*Request),
		trusted:    make(map[string]models.TrustedPeer),
	}
	if m.codeTTL <= 0 {
		m.codeTTL = DefaultCodeTTL
	}
	if m.requestTTL <= 0 {
		m.requestTTL = defaultRequestTTL
	}
	if m.maxPending <= 0 {
		m.maxPending = defaultMaxPending
	}
	return m
}

// IssueCode replaces any live code with a fresh one.
func (m *Manager) IssueCode(now time.Time) (*Code, error) {
	code, err := GenerateCode(m.self.Fingerprint(), now, m.codeTTL)
	if err != nil {
		return nil, err
	}
	m.code = code
	m.metrics.PairingEvent("code_issued")
	m.logger.Info("pairing code issued", "expires_at", code.ExpiresAt.UTC().Format(time.RFC3339))
	return code, nil
}

// InstallCode makes a code issued elsewhere for this device the live code,
// replacing any other. A code for another device is refused.
func (m *Manager) InstallCode(code *Code) error {
	if code == nil {
		return ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(code.Fingerprint), []byte(m.self.Fingerprint())) != 1 {
		return fmt.Errorf("%w: issued for another device", ErrInvalidCode)
	}
	m.code = code
	m.logger.Info("pairing code installed", "expires_at", code.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

// CodeRecord returns the current code, live or not, so its usage state can be
// persisted after each request.
func (m *Manager) CodeRecord() (models.PairingCode, bool) {
	if m.code == nil {
		return models.PairingCode{}, false
	}
	return m.code.Record(), true
}

// ActiveCode returns the live code, if any.
func (m *Manager) ActiveCode(now time.Time) (*Code, bool) {
	if !m.code.IsValid(now) {
		return nil, false
	}
	return m.code, true
}

// NewRequestMessage builds the signed request the joining device sends after
// reading code out of band.
func NewRequestMessage(id *identity.DeviceIdentity, name, code string) protocol.PairingRequest {
	req := protocol.PairingRequest{
		InitiatorDeviceID:  id.DeviceID(),
		InitiatorName:      strings.TrimSpace(name),
		InitiatorPublicKey: id.PublicKey(),
		PairingCode:        strings.TrimSpace(code),
	}
	req.Signature = id.Sign(req.SigningBytes())
	return req
}

// HandleRequest validates an inbound request against the live code. On
// success the code is consumed and a pending request is recorded for the user
// to approve. Every failure returns ErrPairingRejected and records nothing.
func (m *Manager) HandleRequest(msg protocol.PairingRequest, sender string, now time.Time) (models.PairingRequest, error) {
	if reason := m.checkRequest(msg, sender, now); reason != "" {
		m.metrics.PairingEvent("request_rejected")
		m.logger.Debug("pairing request rejected", "reason", reason, "initiator_device_id", msg.InitiatorDeviceID)
		return models.PairingRequest{}, ErrPairingRejected
	}
	m.code.consume()

	req := newRequest(models.PairingRequest{
		RequestID:          uuid.NewString(),
		InitiatorDeviceID:  msg.InitiatorDeviceID,
		InitiatorName:      strings.TrimSpace(msg.InitiatorName),
		InitiatorPublicKey: append([]byte(nil), msg.InitiatorPublicKey...),
		PairingCode:        msg.PairingCode,
		SenderAddress:      strings.TrimSpace(sender),
		CreatedAt:          now,
	})
	m.requests[req.ID()] = req
	m.metrics.PairingEvent("request_pending")
	m.logger.Info("pairing request pending", "request_id", req.ID(), "initiator_device_id", msg.InitiatorDeviceID)
	return req.Record(), nil
}

func (m *Manager) checkRequest(msg protocol.PairingRequest, sender string, now time.Time) string {
	if !m.limiter.Allow(sender, now) {
		return "rate limited"
	}
	if !VerifyCodeFormat(msg.PairingCode) {
		return "bad code format"
	}
	if !m.code.IsValid(now) {
		return "no live code"
	}
	if subtle.ConstantTimeCompare([]byte(msg.PairingCode), []byte(m.code.Value)) != 1 {
		m.code.attempts++
		if m.code.attempts >= maxCodeAttempts {
			m.code.consume()
		}
		return "code mismatch"
	}
	if len(msg.InitiatorPublicKey) != ed25519.PublicKeySize {
		return "bad key length"
	}
	if !identity.VerifyDeviceID(msg.InitiatorDeviceID, msg.InitiatorPublicKey) {
		return "device id does not match key"
	}
	if msg.InitiatorDeviceID == m.self.DeviceID() {
		return "self pairing"
	}
	if !identity.Verify(msg.InitiatorPublicKey, msg.SigningBytes(), msg.Signature) {
		return "bad signature"
	}
	if m.pendingCount() >= m.maxPending {
		return "too many pending requests"
	}
	return ""
}

func (m *Manager) pendingCount() int {
	n := 0
	for _, r := range m.requests {
		if r.State() == models.PairingStatePending {
			n++
		}
	}
	return n
}

// Approve moves a pending request to approved and trusts its initiator.
func (m *Manager) Approve(requestID string, now time.Time) (models.TrustedPeer, error) {
	req, ok := m.requests[strings.TrimSpace(requestID)]
	if !ok {
		return models.TrustedPeer{}, ErrRequestNotFound
	}
	if !req.Approve() {
		return models.TrustedPeer{}, ErrRequestNotPending
	}
	rec := req.Record()
	fp, err := identity.Fingerprint(rec.InitiatorPublicKey)
	if err != nil {
		return models.TrustedPeer{}, err
	}
	peer := models.TrustedPeer{
		DeviceID:    rec.InitiatorDeviceID,
		Name:        rec.InitiatorName,
		PublicKey:   rec.InitiatorPublicKey,
		Fingerprint: fp,
		PairedAt:    now,
	}
	m.trust(peer)
	m.metrics.PairingEvent("approved")
	m.logger.Info("pairing request approved", "request_id", rec.RequestID, "peer_device_id", peer.DeviceID)
	return models.CloneTrustedPeer(peer), nil
}

// Reject discards a pending request.
func (m *Manager) Reject(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	req, ok := m.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if !req.Reject() {
		return ErrRequestNotPending
	}
	delete(m.requests, requestID)
	m.metrics.PairingEvent("rejected")
	m.logger.Info("pairing request rejected", "request_id", requestID)
	return nil
}

// Pending lists requests awaiting a decision, oldest first.
func (m *Manager) Pending() []models.PairingRequest {
	out := make([]models.PairingRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if r.State() == models.PairingStatePending {
			out = append(out, r.Record())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune drops an expired code and requests older than the request TTL.
func (m *Manager) Prune(now time.Time) int {
	if m.code != nil && !m.code.IsValid(now) {
		m.code = nil
	}
	removed := 0
	for id, r := range m.requests {
		if now.Sub(r.rec.CreatedAt) >= m.requestTTL {
			delete(m.requests, id)
			removed++
		}
	}
	return removed
}

// BuildResponse signs the answer to an approved request so the initiator can
// trust this device in return.
func (m *Manager) BuildResponse(requestID string) (protocol.PairingResponse, error) {
	req, ok := m.requests[strings.TrimSpace(requestID)]
	if !ok {
		return protocol.PairingResponse{}, ErrRequestNotFound
	}
	if req.State() != models.PairingStateApproved {
		return protocol.PairingResponse{}, ErrRequestNotPending
	}
	resp := protocol.PairingResponse{
		RequestID:          req.ID(),
		InitiatorDeviceID:  req.rec.InitiatorDeviceID,
		ResponderDeviceID:  m.self.DeviceID(),
		ResponderName:      m.name,
		ResponderPublicKey: m.self.PublicKey(),
	}
	resp.Signature = m.self.Sign(resp.SigningBytes())
	return resp, nil
}

// AcceptResponse trusts the responder of a pairing this device initiated.
// The responder key must hash to expectedFingerprint, the value read out of
// band together with the code.
func (m *Manager) AcceptResponse(resp protocol.PairingResponse, expectedFingerprint string, now time.Time) (models.TrustedPeer, error) {
	if reason := m.checkResponse(resp, expectedFingerprint); reason != "" {
		m.metrics.PairingEvent("response_rejected")
		m.logger.Debug("pairing response rejected", "reason", reason, "peer_device_id", resp.ResponderDeviceID)
		return models.TrustedPeer{}, ErrPairingRejected
	}
	peer := models.TrustedPeer{
		DeviceID:    resp.ResponderDeviceID,
		Name:        strings.TrimSpace(resp.ResponderName),
		PublicKey:   append([]byte(nil), resp.ResponderPublicKey...),
		Fingerprint: strings.ToUpper(strings.TrimSpace(expectedFingerprint)),
		PairedAt:    now,
	}
	m.trust(peer)
	m.metrics.PairingEvent("response_accepted")
	m.logger.Info("pairing completed", "peer_device_id", peer.DeviceID)
	return models.CloneTrustedPeer(peer), nil
}

func (m *Manager) checkResponse(resp protocol.PairingResponse, expectedFingerprint string) string {
	if resp.InitiatorDeviceID != m.self.DeviceID() {
		return "response addressed to another device"
	}
	fp, err := identity.Fingerprint(resp.ResponderPublicKey)
	if err != nil {
		return "bad key length"
	}
	expected := strings.ToUpper(strings.TrimSpace(expectedFingerprint))
	if subtle.ConstantTimeCompare([]byte(fp), []byte(expected)) != 1 {
		return "fingerprint mismatch"
	}
	if !identity.VerifyDeviceID(resp.ResponderDeviceID, resp.ResponderPublicKey) {
		return "device id does not match key"
	}
	if !identity.Verify(resp.ResponderPublicKey, resp.SigningBytes(), resp.Signature) {
		return "bad signature"
	}
	return ""
}

func (m *Manager) trust(peer models.TrustedPeer) {
	m.trusted[peer.DeviceID] = models.CloneTrustedPeer(peer)
	m.metrics.SetTrusted(len(m.trusted))
}

// IsTrusted reports whether deviceID is trusted with exactly publicKey.
func (m *Manager) IsTrusted(deviceID string, publicKey []byte) bool {
	p, ok := m.trusted[strings.TrimSpace(deviceID)]
	return ok && bytes.Equal(p.PublicKey, publicKey)
}

func (m *Manager) TrustedKey(deviceID string) ([]byte, bool) {
	p, ok := m.trusted[strings.TrimSpace(deviceID)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), p.PublicKey...), true
}

func (m *Manager) TrustedPeer(deviceID string) (models.TrustedPeer, bool) {
	p, ok := m.trusted[strings.TrimSpace(deviceID)]
	if !ok {
		return models.TrustedPeer{}, false
	}
	return models.CloneTrustedPeer(p), true
}

// Trusted lists the trusted set sorted by device id.
func (m *Manager) Trusted() []models.TrustedPeer {
	out := make([]models.TrustedPeer, 0, len(m.trusted))
	for _, p := range m.trusted {
		out = append(out, models.CloneTrustedPeer(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *Manager) Revoke(deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)
	if _, ok := m.trusted[deviceID]; !ok {
		return false
	}
	delete(m.trusted, deviceID)
	m.metrics.SetTrusted(len(m.trusted))
	m.logger.Info("trusted peer revoked", "peer_device_id", deviceID)
	return true
}

// Restore loads a previously persisted trusted set. Every entry must carry a
// key that derives its device id; otherwise nothing is loaded.
func (m *Manager) Restore(peers []models.TrustedPeer) error {
	next := make(map[string]models.TrustedPeer, len(peers))
	for _, p := range peers {
		if !identity.VerifyDeviceID(p.DeviceID, p.PublicKey) {
			return fmt.Errorf("%w: %s", ErrInvalidTrustEntry, privacylog.FingerprintID(p.DeviceID))
		}
		if fp, err := identity.Fingerprint(p.PublicKey); err == nil {
			p.Fingerprint = fp
		}
		next[p.DeviceID] = models.CloneTrustedPeer(p)
	}
	m.trusted = next
	m.metrics.SetTrusted(len(m.trusted))
	return nil
}
