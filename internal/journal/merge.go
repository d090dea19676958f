package journal

import (
	"errors"
	"fmt"
	"strings"

	"peersync/go-core/pkg/models"
)

var (
	// ErrConflict reports that two devices produced the same version of a
	// path. The merge still resolves it deterministically.
	ErrConflict     = errors.New("journal conflict")
	ErrInvalidEntry = errors.New("invalid journal entry")
)

// Conflict describes one path where two devices minted the same version.
// Winner is the entry kept by the journal.
type Conflict struct {
	Path   string
	Local  models.FileMetadata
	Remote models.FileMetadata
	Winner models.FileMetadata
}

type MergeResult struct {
	// Applied lists paths whose local entry was replaced by the remote one.
	Applied   []string
	Conflicts []Conflict
	Rejected  int
}

// Err returns an error wrapping ErrConflict when the merge saw conflicts.
func (r MergeResult) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		paths = append(paths, c.Path)
	}
	return fmt.Errorf("%w: %d path(s): %s", ErrConflict, len(paths), strings.Join(paths, ", "))
}

func (r MergeResult) Changed() bool {
	return len(r.Applied) > 0
}

// Merge folds remote entries into the journal. Per path the entry with the
// higher (version, device id) wins. Equal versions from different devices are
// reported as conflicts and resolved in favour of the larger device id, so
// every replica picks the same winner.
func (j *Journal) Merge(remote []models.FileMetadata) MergeResult {
	var res MergeResult
	for _, r := range remote {
		r.Path = models.NormalizePath(r.Path)
		if err := validateEntry(r); err != nil {
			res.Rejected++
			continue
		}
		j.clock = max(j.clock, r.Version)

		local, ok := j.files[r.Path]
		if !ok {
			j.files[r.Path] = r
			res.Applied = append(res.Applied, r.Path)
			continue
		}
		winner, conflict := resolve(local, r)
		if conflict {
			res.Conflicts = append(res.Conflicts, Conflict{Path: r.Path, Local: local, Remote: r, Winner: winner})
		}
		if winner != local {
			j.files[r.Path] = winner
			res.Applied = append(res.Applied, r.Path)
		}
	}
	return res
}

// MergeJournal merges every entry of other, tombstones included.
func (j *Journal) MergeJournal(other *Journal) MergeResult {
	return j.Merge(other.Files())
}

func resolve(local, remote models.FileMetadata) (models.FileMetadata, bool) {
	switch {
	case remote.Version > local.Version:
		return remote, false
	case remote.Version < local.Version:
		return local, false
	}
	if remote.LastModifiedBy != local.LastModifiedBy {
		if remote.LastModifiedBy > local.LastModifiedBy {
			return remote, true
		}
		return local, true
	}
	if remote.SameContent(local) {
		// One edit recorded with different mtimes. Not a conflict, but both
		// sides must still settle on the same mtime.
		if remote.MTime > local.MTime {
			return remote, false
		}
		return local, false
	}
	// Same device reused a version for different content.
	if orderedAfter(remote, local) {
		return remote, true
	}
	return local, true
}

// orderedAfter is a total order over entries sharing path, version and
// device, so every replica picks the same one.
func orderedAfter(a, b models.FileMetadata) bool {
	switch {
	case a.Hash != b.Hash:
		return a.Hash > b.Hash
	case a.Size != b.Size:
		return a.Size > b.Size
	case a.IsDeleted != b.IsDeleted:
		return a.IsDeleted
	default:
		return a.MTime > b.MTime
	}
}

func validateEntry(m models.FileMetadata) error {
	switch {
	case m.Path == "":
		return fmt.Errorf("%w: empty path", ErrInvalidEntry)
	case m.LastModifiedBy == "":
		return fmt.Errorf("%w: %s: missing last_modified_by", ErrInvalidEntry, m.Path)
	case m.Version == 0:
		return fmt.Errorf("%w: %s: zero version", ErrInvalidEntry, m.Path)
	case m.Size < 0:
		return fmt.Errorf("%w: %s: negative size", ErrInvalidEntry, m.Path)
	case m.IsDeleted && (m.Hash != "" || m.Size != 0):
		return fmt.Errorf("%w: %s: tombstone carries content", ErrInvalidEntry, m.Path)
	case !m.IsDeleted && m.Hash == "":
		return fmt.Errorf("%w: %s: missing hash", ErrInvalidEntry, m.Path)
	}
	return nil
}
