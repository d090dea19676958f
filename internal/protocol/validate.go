package protocol

import (
	"errors"
	"strings"
)

const maxServicePort = 65535

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New(name + " is required")
	}
	return nil
}

func requireBytes(name string, value []byte) error {
	if len(value) == 0 {
		return errors.New(name + " is required")
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (a Announcement) validate() error {
	if err := firstError(requireField("peer_id", a.PeerID), requireField("device_id", a.DeviceID)); err != nil {
		return err
	}
	if a.ServicePort <= 0 || a.ServicePort > maxServicePort {
		return errors.New("service_port out of range")
	}
	return nil
}

func (r PairingRequest) validate() error {
	return firstError(
		requireField("initiator_device_id", r.InitiatorDeviceID),
		requireBytes("initiator_public_key", r.InitiatorPublicKey),
		requireField("pairing_code", r.PairingCode),
		requireBytes("signature", r.Signature),
	)
}

func (r PairingResponse) validate() error {
	return firstError(
		requireField("request_id", r.RequestID),
		requireField("initiator_device_id", r.InitiatorDeviceID),
		requireField("responder_device_id", r.ResponderDeviceID),
		requireBytes("responder_public_key", r.ResponderPublicKey),
		requireBytes("signature", r.Signature),
	)
}

func (k KeyExchange) validate() error {
	if err := firstError(
		requireField("session_id", k.SessionID),
		requireField("device_id", k.DeviceID),
		requireBytes("ephemeral_public", k.EphemeralPublic),
		requireBytes("signature", k.Signature),
	); err != nil {
		return err
	}
	if k.CreatedAt <= 0 {
		return errors.New("created_at is required")
	}
	return nil
}

func (s JournalSnapshot) validate() error {
	return firstError(
		requireField("device_id", s.DeviceID),
		requireBytes("signature", s.Signature),
	)
}

func (c FileChunk) validate() error {
	if err := firstError(
		requireField("session_id", c.SessionID),
		requireField("device_id", c.DeviceID),
		requireField("file_path", c.FilePath),
		requireBytes("nonce", c.Nonce),
	); err != nil {
		return err
	}
	if c.TotalChunks == 0 || c.ChunkIndex >= c.TotalChunks {
		return errors.New("chunk_index out of range")
	}
	return nil
}
