package protocol

import (
	"time"

	"peersync/go-core/pkg/models"
)

type MessageType string

const (
	TypeAnnouncement    MessageType = "announcement"
	TypePairingRequest  MessageType = "pairing_request"
	TypePairingResponse MessageType = "pairing_response"
	TypeKeyExchange     MessageType = "key_exchange"
	TypeJournalSnapshot MessageType = "journal_snapshot"
	TypeFileChunk       MessageType = "file_chunk"
)

// Message is one case of the wire envelope. The "type" discriminator is not a
// struct field; Encode and Decode manage it.
type Message interface {
	MessageType() MessageType
	validate() error
}

type Announcement struct {
	PeerID      string `json:"peer_id"`
	DeviceName  string `json:"device_name"`
	DeviceID    string `json:"device_id"`
	ServicePort int    `json:"service_port"`
}

func (Announcement) MessageType() MessageType { return TypeAnnouncement }

type PairingRequest struct {
	InitiatorDeviceID  string `json:"initiator_device_id"`
	InitiatorName      string `json:"initiator_name"`
	InitiatorPublicKey []byte `json:"initiator_public_key"`
	PairingCode        string `json:"pairing_code"`
	Signature          []byte `json:"signature"`
}

func (PairingRequest) MessageType() MessageType { return TypePairingRequest }

type PairingResponse struct {
	RequestID          string `json:"request_id"`
	InitiatorDeviceID  string `json:"initiator_device_id"`
	ResponderDeviceID  string `json:"responder_device_id"`
	ResponderName      string `json:"responder_name"`
	ResponderPublicKey []byte `json:"responder_public_key"`
	Signature          []byte `json:"signature"`
}

func (PairingResponse) MessageType() MessageType { return TypePairingResponse }

// KeyExchange carries one side's ephemeral X25519 public key, signed by the
// sender's device identity. Reply is set on the responder's answer.
// CreatedAt is unix milliseconds at the sender and is covered by the
// signature.
type KeyExchange struct {
	SessionID       string `json:"session_id"`
	DeviceID        string `json:"device_id"`
	EphemeralPublic []byte `json:"ephemeral_public"`
	Reply           bool   `json:"reply,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	Signature       []byte `json:"signature"`
}

func (KeyExchange) MessageType() MessageType { return TypeKeyExchange }

func (k KeyExchange) Time() time.Time {
	return time.UnixMilli(k.CreatedAt)
}

type JournalSnapshot struct {
	DeviceID  string                `json:"device_id"`
	Files     []models.FileMetadata `json:"files"`
	Signature []byte                `json:"signature"`
}

func (JournalSnapshot) MessageType() MessageType { return TypeJournalSnapshot }

type FileChunk struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	models.FileChunk
}

func (FileChunk) MessageType() MessageType { return TypeFileChunk }
