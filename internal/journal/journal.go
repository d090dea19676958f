package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"peersync/go-core/pkg/models"
)

// Journal maps paths to their latest known FileMetadata. Versions are
// per-path Lamport clocks: a local edit stamps clock+1 where clock is the
// highest version this journal has seen, so a local edit always orders after
// every remote edit already merged.
//
// Journal holds no lock; callers serialize access.
type Journal struct {
	files map[string]models.FileMetadata
	clock uint64
}

type snapshot struct {
	Files          map[string]models.FileMetadata `json:"files"`
	GlobalSequence uint64                         `json:"global_sequence"`
}

func New() *Journal {
	return &Journal{files: make(map[string]models.FileMetadata)}
}

func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// UpdateFile records a local write. It returns false when path already holds
// live content with the same hash.
func (j *Journal) UpdateFile(path string, content []byte, mtime int64, deviceID string) bool {
	path = models.NormalizePath(path)
	if path == "" || deviceID == "" {
		return false
	}
	hash := ContentHash(content)
	existing, ok := j.files[path]
	if ok && !existing.IsDeleted && existing.Hash == hash {
		return false
	}
	j.files[path] = models.FileMetadata{
		Path:           path,
		Hash:           hash,
		MTime:          mtime,
		Size:           int64(len(content)),
		Version:        j.tick(existing.Version),
		LastModifiedBy: deviceID,
	}
	return true
}

// MarkDeleted records a local delete as a tombstone. Deleting an unknown path
// still records a tombstone so the delete propagates.
func (j *Journal) MarkDeleted(path string, mtime int64, deviceID string) bool {
	path = models.NormalizePath(path)
	if path == "" || deviceID == "" {
		return false
	}
	existing, ok := j.files[path]
	if ok && existing.IsDeleted {
		return false
	}
	j.files[path] = models.FileMetadata{
		Path:           path,
		MTime:          mtime,
		Version:        j.tick(existing.Version),
		IsDeleted:      true,
		LastModifiedBy: deviceID,
	}
	return true
}

func (j *Journal) tick(seen uint64) uint64 {
	j.clock = max(j.clock, seen) + 1
	return j.clock
}

func (j *Journal) Get(path string) (models.FileMetadata, bool) {
	m, ok := j.files[models.NormalizePath(path)]
	return m, ok
}

// Files returns every entry, tombstones included, sorted by path.
func (j *Journal) Files() []models.FileMetadata {
	out := make([]models.FileMetadata, 0, len(j.files))
	for _, m := range j.files {
		out = append(out, m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// Clock is the highest version minted or merged so far.
func (j *Journal) Clock() uint64 {
	return j.clock
}

func (j *Journal) Len() int {
	return len(j.files)
}

func (j *Journal) ToJSON() ([]byte, error) {
	return json.Marshal(snapshot{Files: j.files, GlobalSequence: j.clock})
}

// FromJSON replaces the journal content with data produced by ToJSON. Entries
// that fail validation abort the load and leave the journal unchanged.
func (j *Journal) FromJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	files := make(map[string]models.FileMetadata, len(s.Files))
	clock := s.GlobalSequence
	for key, m := range s.Files {
		if m.Path == "" {
			m.Path = key
		}
		if m.Path != key {
			return fmt.Errorf("%w: entry %q stored under %q", ErrInvalidEntry, m.Path, key)
		}
		if err := validateEntry(m); err != nil {
			return err
		}
		files[key] = m
		clock = max(clock, m.Version)
	}
	j.files = files
	j.clock = clock
	return nil
}
