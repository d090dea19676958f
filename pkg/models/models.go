package models

import (
	"strings"
	"time"
)

type PairingState string

const (
	PairingStatePending  PairingState = "pending"
	PairingStateApproved PairingState = "approved"
	PairingStateRejected PairingState = "rejected"
)

func (s PairingState) Terminal() bool {
	return s == PairingStateApproved || s == PairingStateRejected
}

type PairingRequest struct {
	RequestID          string       `json:"request_id"`
	InitiatorDeviceID  string       `json:"initiator_device_id"`
	InitiatorName      string       `json:"initiator_name"`
	InitiatorPublicKey []byte       `json:"initiator_public_key"`
	PairingCode        string       `json:"pairing_code"`
	SenderAddress      string       `json:"sender_address,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	State              PairingState `json:"state"`
}

// PairingCode is the persisted form of an issued pairing code, so a code shown
// by one process can be honored by the node that receives the request.
type PairingCode struct {
	Value       string    `json:"value"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
	Attempts    int       `json:"attempts"`
}

// TrustedPeer is the outcome of an approved pairing. Only its public key may
// sign journal snapshots and key exchange offers for DeviceID.
type TrustedPeer struct {
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name"`
	PublicKey   []byte    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	PairedAt    time.Time `json:"paired_at"`
}

type DiscoveredPeer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DeviceID    string    `json:"device_id"`
	LastSeen    time.Time `json:"last_seen_timestamp"`
	Address     string    `json:"address"`
	ServicePort int       `json:"service_port"`
}

type FileMetadata struct {
	Path           string `json:"path"`
	Hash           string `json:"hash"`
	MTime          int64  `json:"mtime"`
	Size           int64  `json:"size"`
	Version        uint64 `json:"version"`
	IsDeleted      bool   `json:"is_deleted"`
	LastModifiedBy string `json:"last_modified_by"`
}

// SameContent reports whether both entries describe the same file state,
// ignoring the version stamp.
func (m FileMetadata) SameContent(other FileMetadata) bool {
	return m.Hash == other.Hash && m.IsDeleted == other.IsDeleted && m.Size == other.Size
}

type FileChunk struct {
	FilePath    string `json:"file_path"`
	ChunkIndex  uint32 `json:"chunk_index"`
	TotalChunks uint32 `json:"total_chunks"`
	Ciphertext  []byte `json:"ciphertext"`
	Nonce       []byte `json:"nonce"`
}

func NormalizePath(path string) string {
	return strings.TrimSpace(path)
}

func CloneTrustedPeer(p TrustedPeer) TrustedPeer {
	p.PublicKey = append([]byte(nil), p.PublicKey...)
	return p
}

func ClonePairingRequest(r PairingRequest) PairingRequest {
	r.InitiatorPublicKey = append([]byte(nil), r.InitiatorPublicKey...)
	return r
}
