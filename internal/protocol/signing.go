package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"peersync/go-core/internal/identity"
	"peersync/go-core/pkg/models"
)

const (
	labelPairingRequest  = "peersync/pairing-request/v1"
	labelPairingResponse = "peersync/pairing-response/v1"
	labelKeyExchange     = "peersync/key-exchange/v1"
	labelSnapshot        = "peersync/journal-snapshot/v1"
)

var ErrBadSignature = errors.New("bad signature")

// canonical builds length-prefixed signing bytes, so no two field lists
// produce the same encoding.
func canonical(label string, fields ...[]byte) []byte {
	size := len(label) + binary.MaxVarintLen64
	for _, f := range fields {
		size += len(f) + binary.MaxVarintLen64
	}
	b := make([]byte, 0, size)
	b = binary.AppendUvarint(b, uint64(len(label)))
	b = append(b, label...)
	for _, f := range fields {
		b = binary.AppendUvarint(b, uint64(len(f)))
		b = append(b, f...)
	}
	return b
}

func (r PairingRequest) SigningBytes() []byte {
	return canonical(labelPairingRequest,
		[]byte(r.InitiatorDeviceID),
		[]byte(r.InitiatorName),
		r.InitiatorPublicKey,
		[]byte(r.PairingCode),
	)
}

func (r PairingResponse) SigningBytes() []byte {
	return canonical(labelPairingResponse,
		[]byte(r.RequestID),
		[]byte(r.InitiatorDeviceID),
		[]byte(r.ResponderDeviceID),
		[]byte(r.ResponderName),
		r.ResponderPublicKey,
	)
}

func (k KeyExchange) SigningBytes() []byte {
	reply := []byte{0}
	if k.Reply {
		reply[0] = 1
	}
	return canonical(labelKeyExchange,
		[]byte(k.SessionID),
		[]byte(k.DeviceID),
		k.EphemeralPublic,
		reply,
		binary.BigEndian.AppendUint64(nil, uint64(k.CreatedAt)),
	)
}

// SigningBytes covers the device id and the file list sorted by path, so the
// signature does not depend on map iteration order at the sender.
func (s JournalSnapshot) SigningBytes() ([]byte, error) {
	files := sortedFiles(s.Files)
	body, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return canonical(labelSnapshot, []byte(s.DeviceID), body), nil
}

func sortedFiles(in []models.FileMetadata) []models.FileMetadata {
	out := append([]models.FileMetadata(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// SignSnapshot builds a journal snapshot for files signed by id.
func SignSnapshot(id *identity.DeviceIdentity, files []models.FileMetadata) (JournalSnapshot, error) {
	s := JournalSnapshot{DeviceID: id.DeviceID(), Files: sortedFiles(files)}
	msg, err := s.SigningBytes()
	if err != nil {
		return JournalSnapshot{}, err
	}
	s.Signature = id.Sign(msg)
	return s, nil
}

// VerifySnapshot checks that publicKey belongs to the snapshot's device id and
// signed its content.
func VerifySnapshot(s JournalSnapshot, publicKey []byte) error {
	if !identity.VerifyDeviceID(s.DeviceID, publicKey) {
		return ErrBadSignature
	}
	msg, err := s.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(publicKey, msg, s.Signature) {
		return ErrBadSignature
	}
	return nil
}

func SignKeyExchange(id *identity.DeviceIdentity, sessionID string, ephemeralPublic []byte, reply bool, now time.Time) KeyExchange {
	k := KeyExchange{
		SessionID:       sessionID,
		DeviceID:        id.DeviceID(),
		EphemeralPublic: append([]byte(nil), ephemeralPublic...),
		Reply:           reply,
		CreatedAt:       now.UnixMilli(),
	}
	k.Signature = id.Sign(k.SigningBytes())
	return k
}

func VerifyKeyExchange(k KeyExchange, publicKey []byte) error {
	if !identity.VerifyDeviceID(k.DeviceID, publicKey) {
		return ErrBadSignature
	}
	if !identity.Verify(publicKey, k.SigningBytes(), k.Signature) {
		return ErrBadSignature
	}
	return nil
}
