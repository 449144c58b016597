package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/cache"
	"github.com/penwyp/go-pod-accounting/internal/data/store"
)

const firstDump = `APEL-cloud-message: v0.4
VMUUID: u1
SiteName: EGI-NOTEBOOKS
MachineName: jupyter-alice
GlobalUserName: alice@egi.eu
FQAN: vo.notebooks.egi.eu
Status: completed
StartTime: 1714557600
EndTime: 1714561200
WallDuration: 3600
CpuDuration: 12.5
%%
VMUUID: u2
GlobalUserName: bob
Status: started
StartTime: 1714557600
`

const secondDump = `APEL-cloud-message: v0.4
VMUUID: u2
GlobalUserName: bob
FQAN: vo.access.egi.eu
Status: completed
StartTime: 1714557600
EndTime: 1714564800
WallDuration: 7200
`

type fixture struct {
	dir    string
	store  *store.Store
	ledger *cache.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(store.Options{Path: filepath.Join(root, "sessions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ledger, err := cache.OpenLedger(filepath.Join(root, "ledger.json"))
	require.NoError(t, err)

	dir := filepath.Join(root, "dumps")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return &fixture{dir: dir, store: st, ledger: ledger}
}

func (f *fixture) write(t *testing.T, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func (f *fixture) importer(t *testing.T, overwrite bool) *Importer {
	return &Importer{
		Store:       f.store,
		Ledger:      f.ledger,
		Concurrency: 2,
		Overwrite:   overwrite,
		Clock:       quartz.NewMock(t),
	}
}

func TestImportSkipsFilesAlreadyInLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.write(t, "dump-1", firstDump, base)

	res, err := f.importer(t, false).Run(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, Result{Files: 1, Sessions: 2, Written: 2}, res)

	f.write(t, "dump-2", secondDump, base.Add(time.Hour))
	res, err = f.importer(t, false).Run(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, Result{Files: 1, Skipped: 1, Sessions: 1, Written: 0}, res,
		"u2 is already stored and kept without overwrite")

	u2, err := f.store.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStarted, u2.Status)
}

func TestImportOverwriteMergesIntoStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.write(t, "dump-1", firstDump, base)
	f.write(t, "dump-2", secondDump, base.Add(time.Hour))

	_, err := f.importer(t, false).Run(ctx, f.dir)
	require.NoError(t, err)

	// Forget the ledger so both files are read again.
	f.ledger, err = cache.OpenLedger(filepath.Join(t.TempDir(), "fresh.json"))
	require.NoError(t, err)

	res, err := f.importer(t, true).Run(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	u2, err := f.store.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, u2.Status)
	assert.Equal(t, "vo.access.egi.eu", u2.FQAN)
	assert.Equal(t, float64(7200), u2.WallSeconds)
}

func TestImportReportsUnreadableFilesAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.write(t, "dump-1", firstDump, base)
	f.write(t, "dump-2", "APEL-cloud-message: v0.4\nVMUUID: x\n", base.Add(time.Minute))
	require.NoError(t, os.Chmod(filepath.Join(f.dir, "dump-2"), 0o000))
	if _, err := os.ReadFile(filepath.Join(f.dir, "dump-2")); err == nil {
		t.Skip("running with permissions that ignore file modes")
	}

	res, err := f.importer(t, false).Run(ctx, f.dir)
	require.Error(t, err)
	assert.Equal(t, 2, res.Sessions)
	assert.Equal(t, []string{filepath.Join(f.dir, "dump-1")}, f.ledger.Paths(),
		"only the parsed file is recorded")
}

func TestImportEmptyDirectory(t *testing.T) {
	f := newFixture(t)
	res, err := f.importer(t, false).Run(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
