package hierarchy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("hierarchy: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type snapshotFile struct {
	Version int     `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

// MarshalSnapshot serializes entries to CBOR bytes.
func MarshalSnapshot(entries []Entry) ([]byte, error) {
	return cborEncMode.Marshal(&snapshotFile{Version: snapshotVersion, Entries: entries})
}

// UnmarshalSnapshot deserializes entries from CBOR bytes.
func UnmarshalSnapshot(data []byte) ([]Entry, error) {
	var s snapshotFile
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("hierarchy: unmarshal snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("hierarchy: snapshot version %d, want %d", s.Version, snapshotVersion)
	}
	return s.Entries, nil
}

// SaveSnapshot writes the entries of loader's context to path.
func (r *Resolver) SaveSnapshot(path string, loader *Loader) error {
	data, err := MarshalSnapshot(r.Snapshot(loader))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadSnapshot restores entries saved by SaveSnapshot into loader's
// context. It returns the number of entries read.
func (r *Resolver) LoadSnapshot(path string, loader *Loader) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	entries, err := UnmarshalSnapshot(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	r.Restore(loader, entries)
	log.Infof("restored %d hierarchy entries from %s", len(entries), path)
	return len(entries), nil
}
