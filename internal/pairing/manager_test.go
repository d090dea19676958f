package pairing

import (
	"errors"
	"testing"
	"time"

	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/platform/ratelimiter"
	"peersync/go-core/internal/protocol"
	"peersync/go-core/pkg/models"
)

var now0 = time.Unix(1_700_000_000, 0)

func pendingRecord() models.PairingRequest {
	return models.PairingRequest{RequestID: "r1", InitiatorDeviceID: "d1"}
}

func newIdentity(t *testing.T) *identity.DeviceIdentity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	return id
}

func issue(t *testing.T, m *Manager) *Code {
	t.Helper()
	code, err := m.IssueCode(now0)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}
	return code
}

func TestHandleRequestHappyPath(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)

	rec, err := mgr.HandleRequest(NewRequestMessage(b, "phone", code.Value), "10.0.0.2:4000", now0.Add(time.Second))
	if err != nil {
		t.Fatalf("handle request failed: %v", err)
	}
	if rec.State != models.PairingStatePending || rec.InitiatorDeviceID != b.DeviceID() || rec.RequestID == "" {
		t.Fatalf("unexpected request %+v", rec)
	}
	if len(mgr.Pending()) != 1 {
		t.Fatalf("expected one pending request, got %d", len(mgr.Pending()))
	}
	if _, ok := mgr.ActiveCode(now0.Add(time.Second)); ok {
		t.Fatal("code must be consumed by a successful request")
	}

	peer, err := mgr.Approve(rec.RequestID, now0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if peer.DeviceID != b.DeviceID() || peer.Fingerprint != b.Fingerprint() {
		t.Fatalf("unexpected trusted peer %+v", peer)
	}
	if !mgr.IsTrusted(b.DeviceID(), b.PublicKey()) {
		t.Fatal("initiator should be trusted after approval")
	}
	if mgr.IsTrusted(b.DeviceID(), a.PublicKey()) {
		t.Fatal("trust must be bound to the approved key")
	}
	if len(mgr.Pending()) != 0 {
		t.Fatal("approved request must leave the pending list")
	}
}

func TestHandleRequestRejectionsAreGenericAndLeaveNoTrace(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	other := newIdentity(t)

	cases := []struct {
		name  string
		build func(code string) protocol.PairingRequest
		at    time.Time
	}{
		{
			name:  "wrong code",
			build: func(code string) protocol.PairingRequest { return NewRequestMessage(b, "phone", flip(code)) },
			at:    now0,
		},
		{
			name:  "bad format",
			build: func(string) protocol.PairingRequest { return NewRequestMessage(b, "phone", "12ab56") },
			at:    now0,
		},
		{
			name:  "expired code",
			build: func(code string) protocol.PairingRequest { return NewRequestMessage(b, "phone", code) },
			at:    now0.Add(DefaultCodeTTL),
		},
		{
			name: "bad signature",
			build: func(code string) protocol.PairingRequest {
				msg := NewRequestMessage(b, "phone", code)
				msg.InitiatorName = "tampered"
				return msg
			},
			at: now0,
		},
		{
			name: "device id not derived from key",
			build: func(code string) protocol.PairingRequest {
				msg := NewRequestMessage(b, "phone", code)
				msg.InitiatorDeviceID = other.DeviceID()
				return msg
			},
			at: now0,
		},
		{
			name: "short key",
			build: func(code string) protocol.PairingRequest {
				msg := NewRequestMessage(b, "phone", code)
				msg.InitiatorPublicKey = msg.InitiatorPublicKey[:16]
				return msg
			},
			at: now0,
		},
		{
			name:  "self pairing",
			build: func(code string) protocol.PairingRequest { return NewRequestMessage(a, "me", code) },
			at:    now0,
		},
	}
	for _, tc := range cases {
		mgr := NewManager(a, "laptop", Options{})
		code := issue(t, mgr)
		_, err := mgr.HandleRequest(tc.build(code.Value), "10.0.0.2:4000", tc.at)
		if !errors.Is(err, ErrPairingRejected) {
			t.Fatalf("%s: expected ErrPairingRejected, got %v", tc.name, err)
		}
		if len(mgr.Pending()) != 0 {
			t.Fatalf("%s: failed request must not create a pending entry", tc.name)
		}
	}
}

func TestCodeIsSingleUse(t *testing.T) {
	a, b, c := newIdentity(t), newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := mgr.HandleRequest(NewRequestMessage(c, "c", code.Value), "y", now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("reused code must be rejected, got %v", err)
	}
}

func TestCodeBurnedAfterRepeatedGuesses(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)
	for i := 0; i < maxCodeAttempts; i++ {
		_, _ = mgr.HandleRequest(NewRequestMessage(b, "b", flip(code.Value)), "x", now0)
	}
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("correct code after too many guesses must be rejected, got %v", err)
	}
}

func TestInstalledCodeIsHonored(t *testing.T) {
	a, b, c := newIdentity(t), newIdentity(t), newIdentity(t)
	issued, err := GenerateCode(a.Fingerprint(), now0, DefaultCodeTTL)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	restored, err := CodeFromRecord(issued.Record())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	mgr := NewManager(a, "laptop", Options{})
	if _, ok := mgr.CodeRecord(); ok {
		t.Fatal("fresh manager should have no code")
	}
	if err := mgr.InstallCode(restored); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", issued.Value), "x", now0); err != nil {
		t.Fatalf("request with installed code failed: %v", err)
	}
	rec, ok := mgr.CodeRecord()
	if !ok || !rec.Consumed {
		t.Fatalf("used code should be recorded as consumed, got %+v ok=%v", rec, ok)
	}

	other := NewManager(c, "tablet", Options{})
	if err := other.InstallCode(restored); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("code for another device must be refused, got %v", err)
	}
	if err := other.InstallCode(nil); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("nil code must be refused, got %v", err)
	}
}

func TestGuessCountSurvivesPersistence(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)
	for i := 0; i < maxCodeAttempts-1; i++ {
		_, _ = mgr.HandleRequest(NewRequestMessage(b, "b", flip(code.Value)), "x", now0)
	}
	rec, _ := mgr.CodeRecord()
	if rec.Attempts != maxCodeAttempts-1 || rec.Consumed {
		t.Fatalf("unexpected record %+v", rec)
	}

	restored, err := CodeFromRecord(rec)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	next := NewManager(a, "laptop", Options{})
	if err := next.InstallCode(restored); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	_, _ = next.HandleRequest(NewRequestMessage(b, "b", flip(code.Value)), "x", now0)
	if _, err := next.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("restart must not reset the guess budget, got %v", err)
	}
}

func TestRateLimiterRejectsFlood(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{Limiter: ratelimiter.New(0.001, 1, time.Minute)})
	code := issue(t, mgr)
	_, _ = mgr.HandleRequest(NewRequestMessage(b, "b", flip(code.Value)), "flood", now0)
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "flood", now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("rate limited sender must be rejected, got %v", err)
	}
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "other", now0); err != nil {
		t.Fatalf("other sender should pass: %v", err)
	}
}

func TestApproveRejectStateErrors(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)
	rec, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if _, err := mgr.Approve("missing", now0); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := mgr.Approve(rec.RequestID, now0); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := mgr.Reject(rec.RequestID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("expected ErrRequestNotPending, got %v", err)
	}
	if !mgr.IsTrusted(b.DeviceID(), b.PublicKey()) {
		t.Fatal("late reject must not undo approval")
	}
}

func TestRejectDiscardsRequest(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})
	code := issue(t, mgr)
	rec, _ := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0)
	if err := mgr.Reject(rec.RequestID); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := mgr.Approve(rec.RequestID, now0); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("rejected request must be gone, got %v", err)
	}
	if mgr.IsTrusted(b.DeviceID(), b.PublicKey()) {
		t.Fatal("rejected initiator must not be trusted")
	}
}

func TestMutualPairing(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	responder := NewManager(a, "laptop", Options{})
	initiator := NewManager(b, "phone", Options{})

	code := issue(t, responder)
	codeValue, fingerprint, err := ParseToken(code.Token())
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	rec, err := responder.HandleRequest(NewRequestMessage(b, "phone", codeValue), "x", now0)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if _, err := responder.BuildResponse(rec.RequestID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("response before approval must fail, got %v", err)
	}
	if _, err := responder.Approve(rec.RequestID, now0); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	resp, err := responder.BuildResponse(rec.RequestID)
	if err != nil {
		t.Fatalf("build response failed: %v", err)
	}

	wrongFP := newIdentity(t).Fingerprint()
	if _, err := initiator.AcceptResponse(resp, wrongFP, now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("fingerprint mismatch must be rejected, got %v", err)
	}
	tampered := resp
	tampered.ResponderName = "evil"
	if _, err := initiator.AcceptResponse(tampered, fingerprint, now0); !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("tampered response must be rejected, got %v", err)
	}

	peer, err := initiator.AcceptResponse(resp, fingerprint, now0)
	if err != nil {
		t.Fatalf("accept response failed: %v", err)
	}
	if peer.DeviceID != a.DeviceID() || !initiator.IsTrusted(a.DeviceID(), a.PublicKey()) {
		t.Fatalf("initiator should trust responder, got %+v", peer)
	}
}

func TestTrustedSetRestoreAndRevoke(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{})

	good := models.TrustedPeer{DeviceID: b.DeviceID(), Name: "phone", PublicKey: b.PublicKey(), PairedAt: now0}
	bad := models.TrustedPeer{DeviceID: "ps1forged", PublicKey: b.PublicKey()}
	if err := mgr.Restore([]models.TrustedPeer{good, bad}); !errors.Is(err, ErrInvalidTrustEntry) {
		t.Fatalf("expected ErrInvalidTrustEntry, got %v", err)
	}
	if len(mgr.Trusted()) != 0 {
		t.Fatal("failed restore must load nothing")
	}
	if err := mgr.Restore([]models.TrustedPeer{good}); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	key, ok := mgr.TrustedKey(b.DeviceID())
	if !ok || !mgr.IsTrusted(b.DeviceID(), key) {
		t.Fatal("restored peer should be trusted")
	}
	if got := mgr.Trusted()[0].Fingerprint; got != b.Fingerprint() {
		t.Fatalf("restore should recompute fingerprint, got %q", got)
	}
	if !mgr.Revoke(b.DeviceID()) || mgr.Revoke(b.DeviceID()) {
		t.Fatal("revoke should succeed exactly once")
	}
	if _, ok := mgr.TrustedKey(b.DeviceID()); ok {
		t.Fatal("revoked peer must not be trusted")
	}
}

func TestPruneDropsStaleRequests(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	mgr := NewManager(a, "laptop", Options{RequestTTL: time.Minute})
	code := issue(t, mgr)
	if _, err := mgr.HandleRequest(NewRequestMessage(b, "b", code.Value), "x", now0); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if n := mgr.Prune(now0.Add(30 * time.Second)); n != 0 {
		t.Fatalf("nothing should be pruned yet, got %d", n)
	}
	if n := mgr.Prune(now0.Add(time.Minute)); n != 1 {
		t.Fatalf("expected one pruned request, got %d", n)
	}
	if len(mgr.Pending()) != 0 {
		t.Fatal("pruned request still pending")
	}
}

func flip(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
