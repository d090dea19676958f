package transfer

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"peersync/go-core/internal/crypto"
	"peersync/go-core/pkg/models"
)

// ChunkSize is the plaintext size of every chunk except possibly the last.
const ChunkSize = 64 * 1024

const aadLabel = "peersync/chunk/v1"

var (
	ErrDecrypt      = errors.New("chunk decryption failed")
	ErrInvalidChunk = errors.New("invalid chunk")
	ErrNoSession    = errors.New("no session key")
	ErrFileTooLarge = errors.New("file too large for transfer")
)

// PrepareTransfer splits content into ChunkSize slices and seals each one
// under key with a fresh nonce. An empty file yields a single empty chunk.
func PrepareTransfer(path string, content []byte, key *crypto.SessionKey, now time.Time) ([]models.FileChunk, error) {
	path = models.NormalizePath(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidChunk)
	}
	aead, err := sessionAEAD(key, now)
	if err != nil {
		return nil, err
	}
	total := (len(content) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	if uint64(total) > math.MaxUint32 {
		return nil, ErrFileTooLarge
	}

	chunks := make([]models.FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := min(start+ChunkSize, len(content))
		nonce, err := key.NextNonce()
		if err != nil {
			return nil, err
		}
		c := models.FileChunk{
			FilePath:    path,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Nonce:       nonce,
		}
		c.Ciphertext = aead.Seal(nil, nonce, content[start:end], chunkAAD(key.SessionID(), c))
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// DecryptChunk authenticates and opens one chunk. Any tampering with the
// ciphertext, nonce, path, index or total yields ErrDecrypt.
func DecryptChunk(chunk models.FileChunk, key *crypto.SessionKey, now time.Time) ([]byte, error) {
	aead, err := sessionAEAD(key, now)
	if err != nil {
		return nil, err
	}
	if err := validateChunk(chunk); err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, chunk.Nonce, chunk.Ciphertext, chunkAAD(key.SessionID(), chunk))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func sessionAEAD(key *crypto.SessionKey, now time.Time) (cipher.AEAD, error) {
	if key.Wiped() {
		return nil, ErrNoSession
	}
	if err := key.Usable(now); err != nil {
		return nil, err
	}
	return key.AEAD()
}

func validateChunk(c models.FileChunk) error {
	switch {
	case c.FilePath == "":
		return fmt.Errorf("%w: empty path", ErrInvalidChunk)
	case c.TotalChunks == 0 || c.ChunkIndex >= c.TotalChunks:
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.ChunkIndex, c.TotalChunks)
	case len(c.Nonce) != chacha20poly1305.NonceSizeX:
		return fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidChunk, chacha20poly1305.NonceSizeX)
	case len(c.Ciphertext) < chacha20poly1305.Overhead:
		return ErrDecrypt
	}
	return nil
}

func chunkAAD(sessionID string, c models.FileChunk) []byte {
	b := make([]byte, 0, len(aadLabel)+len(sessionID)+len(c.FilePath)+3*binary.MaxVarintLen64+8)
	b = append(b, aadLabel...)
	b = binary.AppendUvarint(b, uint64(len(sessionID)))
	b = append(b, sessionID...)
	b = binary.AppendUvarint(b, uint64(len(c.FilePath)))
	b = append(b, c.FilePath...)
	b = binary.BigEndian.AppendUint32(b, c.ChunkIndex)
	b = binary.BigEndian.AppendUint32(b, c.TotalChunks)
	return b
}
