package encoder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRecord() Record {
	return Record{NodeIDs: []int{3, 4}, Params: DefaultParams()}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encoder_config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileStoreLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Record
		wantErr bool
	}{
		{
			name:    "full record",
			content: `{"node_ids":[5,6],"encoder_params":{"resolution":4096,"full_circle":180.0}}`,
			want:    Record{NodeIDs: []int{5, 6}, Params: Params{Resolution: 4096, FullCircle: 180}},
		},
		{
			name:    "legacy record without params",
			content: `{"node_ids":[7]}`,
			want:    Record{NodeIDs: []int{7}, Params: DefaultParams()},
		},
		{
			name:    "params without node ids",
			content: `{"encoder_params":{"resolution":2048,"full_circle":360}}`,
			want:    Record{NodeIDs: []int{3, 4}, Params: Params{Resolution: 2048, FullCircle: 360}},
		},
		{
			name:    "corrupt json",
			content: `{"node_ids":[`,
			want:    defaultRecord(),
			wantErr: true,
		},
		{
			name:    "zero resolution",
			content: `{"node_ids":[3],"encoder_params":{"resolution":0,"full_circle":360}}`,
			want:    defaultRecord(),
			wantErr: true,
		},
		{
			name:    "node out of range",
			content: `{"node_ids":[200]}`,
			want:    defaultRecord(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewFileStore(writeFile(t, tt.content))

			got, err := store.Load(defaultRecord())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigLoad)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))

	got, err := store.Load(defaultRecord())
	require.NoError(t, err)
	assert.Equal(t, defaultRecord(), got)
}

func TestFileStoreSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "encoder_config.json")
	store := NewFileStore(path)

	rec := Record{NodeIDs: []int{3, 10}, Params: Params{Resolution: 1024, FullCircle: 360}}
	require.NoError(t, store.Save(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{3.0, 10.0}, raw["node_ids"])
	assert.Equal(t, map[string]any{"resolution": 1024.0, "full_circle": 360.0}, raw["encoder_params"])

	got, err := store.Load(defaultRecord())
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFileStoreSaveEmptySet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder_config.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(Record{Params: DefaultParams()}))

	got, err := store.Load(defaultRecord())
	require.NoError(t, err)
	assert.Empty(t, got.NodeIDs)
}
