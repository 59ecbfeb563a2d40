package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

func TestKey(t *testing.T) {
	stage := "stage-2"
	doc := domain.Document{ID: "d1", ProjectID: "p1", Kind: domain.DocumentStagePlan, StageID: &stage, Version: 3}
	require.Equal(t, "p1/stage_plan/stage-2/v3-d1.json", Key(doc))

	doc = domain.Document{ID: "d2", ProjectID: "p1", Kind: domain.DocumentPID, Version: 1}
	require.Equal(t, "p1/pid/v1-d2.json", Key(doc))
}

func TestFSWritesOnce(t *testing.T) {
	root := t.TempDir()
	fs := FS{Root: root}
	doc := domain.Document{ID: "d1", ProjectID: "p1", Kind: domain.DocumentBusinessCase, Version: 1,
		Status: domain.DocumentApproved, Content: json.RawMessage(`{"title":"a"}`)}
	key, err := fs.Put(context.Background(), doc)
	require.NoError(t, err)

	doc.Status = domain.DocumentDraft
	_, err = fs.Put(context.Background(), doc)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	var stored domain.Document
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, domain.DocumentApproved, stored.Status)
}

func TestOpen(t *testing.T) {
	a, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	require.IsType(t, Nop{}, a)

	_, err = Open(context.Background(), Options{Driver: "fs"})
	require.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: "tape"})
	require.Error(t, err)
}
