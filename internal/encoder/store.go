package encoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Record is the persisted encoder configuration.
//
// File format (encoder_config.json):
//
//	{
//	    "node_ids": [3, 4],
//	    "encoder_params": {"resolution": 1024, "full_circle": 360.0}
//	}
type Record struct {
	NodeIDs []int
	Params  Params
}

// recordFile is the on-disk shape. EncoderParams is a pointer so records
// written before it existed can be told apart.
type recordFile struct {
	NodeIDs       []int       `json:"node_ids"`
	EncoderParams *paramsFile `json:"encoder_params,omitempty"`
}

type paramsFile struct {
	Resolution int     `json:"resolution"`
	FullCircle float64 `json:"full_circle"`
}

// Store persists the record whenever the tracked set changes.
type Store interface {
	Save(r Record) error
}

// FileStore keeps the record in a JSON file.
type FileStore struct {
	path string
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the record.
//
// A missing file returns defaults and no error. An unreadable or invalid
// file returns defaults and an error wrapping ErrConfigLoad. A file
// without encoder_params keeps its node ids and takes the default params.
func (s *FileStore) Load(defaults Record) (Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("%w: reading %s: %w", ErrConfigLoad, s.path, err)
	}

	var f recordFile
	if err := json.Unmarshal(data, &f); err != nil {
		return defaults, fmt.Errorf("%w: parsing %s: %w", ErrConfigLoad, s.path, err)
	}

	rec := Record{NodeIDs: defaults.NodeIDs, Params: defaults.Params}
	if f.NodeIDs != nil {
		rec.NodeIDs = f.NodeIDs
	}
	if f.EncoderParams != nil {
		rec.Params = Params{Resolution: f.EncoderParams.Resolution, FullCircle: f.EncoderParams.FullCircle}
	}

	if err := rec.Params.Validate(); err != nil {
		return defaults, fmt.Errorf("%w: %s: %w", ErrConfigLoad, s.path, err)
	}
	for _, id := range rec.NodeIDs {
		if !ValidNode(id) {
			return defaults, fmt.Errorf("%w: %s: %w: %d", ErrConfigLoad, s.path, ErrInvalidNode, id)
		}
	}

	rec.NodeIDs = slices.Clone(rec.NodeIDs)
	return rec, nil
}

// Save writes the record atomically (temp file + rename).
func (s *FileStore) Save(r Record) error {
	f := recordFile{
		NodeIDs: r.NodeIDs,
		EncoderParams: &paramsFile{
			Resolution: r.Params.Resolution,
			FullCircle: r.Params.FullCircle,
		},
	}
	if f.NodeIDs == nil {
		f.NodeIDs = []int{}
	}

	data, err := json.MarshalIndent(f, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding encoder record: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".encoder-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
