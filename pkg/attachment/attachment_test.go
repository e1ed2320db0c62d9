package attachment

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, maxSize int64) *Local {
	t.Helper()
	cat, err := OpenCatalog("catalog", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	gw, err := NewLocal(t.TempDir(), maxSize, cat)
	require.NoError(t, err)
	return gw
}

func TestClassify(t *testing.T) {
	cases := map[string]model.AttachmentKind{
		"photo.JPG":      model.KindImage,
		"a.webp":         model.KindImage,
		"clip.mov":       model.KindVideo,
		"song.ogg":       model.KindAudio,
		"notes.txt":      model.KindDocument,
		"deck.pptx":      model.KindDocument,
		"script.sh":      model.KindUnknown,
		"noext":          model.KindUnknown,
		"archive.tar.gz": model.KindUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestStoreAndOpen(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()

	att, err := gw.Store(ctx, strings.NewReader("hello"), "../../etc/report.PDF", "application/pdf", "u1")
	require.NoError(t, err)
	assert.Equal(t, model.KindDocument, att.Kind)
	assert.Equal(t, "report.PDF", att.Filename)
	assert.Equal(t, int64(5), att.Size)
	assert.True(t, strings.HasSuffix(att.Locator, ".pdf"))
	assert.Equal(t, filepath.Dir(gw.path(att.Locator)), gw.dir)

	rc, rec, err := gw.Open(ctx, att.Locator)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, "u1", rec.Uploader)
}

func TestStoreRejects(t *testing.T) {
	gw := newGateway(t, 4)
	ctx := context.Background()

	_, err := gw.Store(ctx, strings.NewReader("x"), "run.exe", "", "u1")
	assert.ErrorIs(t, err, apperr.ErrUnsupportedType)

	_, err = gw.Store(ctx, bytes.NewReader(make([]byte, 5)), "big.png", "image/png", "u1")
	assert.ErrorIs(t, err, apperr.ErrTooLarge)

	_, err = gw.Store(ctx, strings.NewReader(""), "empty.png", "image/png", "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	entries, err := os.ReadDir(gw.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave no files behind")
}

func TestClaimAndDelete(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	att, err := gw.Store(ctx, strings.NewReader("img"), "a.png", "image/png", "u1")
	require.NoError(t, err)

	_, err = gw.Claim(ctx, att.Locator, "u2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	got, err := gw.Claim(ctx, att.Locator, "u1")
	require.NoError(t, err)
	assert.Equal(t, att, got)
	_, err = gw.Claim(ctx, att.Locator, "u1")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	require.NoError(t, gw.Bind(ctx, att.Locator, 10))
	rec, err := gw.Lookup(ctx, att.Locator)
	require.NoError(t, err)
	assert.EqualValues(t, 10, rec.MessageID)
	assert.Equal(t, StateAttached, rec.State)

	assert.ErrorIs(t, gw.Discard(ctx, att.Locator, "u1"), apperr.ErrConflict)

	require.NoError(t, gw.Delete(ctx, att.Locator))
	_, err = os.Stat(gw.path(att.Locator))
	assert.True(t, os.IsNotExist(err))
	_, err = gw.Lookup(ctx, att.Locator)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// deleting again is harmless
	assert.NoError(t, gw.Delete(ctx, att.Locator))
}

func TestUnclaim(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	att, _ := gw.Store(ctx, strings.NewReader("img"), "a.png", "", "u1")
	_, err := gw.Claim(ctx, att.Locator, "u1")
	require.NoError(t, err)
	require.NoError(t, gw.Unclaim(ctx, att.Locator))
	_, err = gw.Claim(ctx, att.Locator, "u1")
	assert.NoError(t, err)
}

func TestDiscard(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	att, err := gw.Store(ctx, strings.NewReader("doc"), "a.txt", "text/plain", "u1")
	require.NoError(t, err)

	assert.ErrorIs(t, gw.Discard(ctx, att.Locator, "u2"), apperr.ErrForbidden)
	require.NoError(t, gw.Discard(ctx, att.Locator, "u1"))
	_, _, err = gw.Open(ctx, att.Locator)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLocatorTraversalRejected(t *testing.T) {
	gw := newGateway(t, 1024)
	_, _, err := gw.Open(context.Background(), "../secret.txt")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, gw.Delete(context.Background(), "../../x"), apperr.ErrNotFound)
}

func TestSweep(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	gw.now = func() time.Time { return clock }

	stale, err := gw.Store(ctx, strings.NewReader("old"), "old.png", "", "u1")
	require.NoError(t, err)
	kept, err := gw.Store(ctx, strings.NewReader("kept"), "kept.png", "", "u1")
	require.NoError(t, err)
	_, err = gw.Claim(ctx, kept.Locator, "u1")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	fresh, err := gw.Store(ctx, strings.NewReader("new"), "new.png", "", "u1")
	require.NoError(t, err)

	// a released record whose file removal previously failed
	rec, err := gw.catalog.Get(kept.Locator)
	require.NoError(t, err)
	released := *rec
	released.Locator = strings.Replace(kept.Locator, kept.Locator[:8], "ffffffff", 1)
	released.State = StateReleased
	require.NoError(t, gw.catalog.Put(&released))

	m := metrics.New()
	n, err := NewSweeper(gw, nil, "*/15 * * * *", time.Hour, m).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = gw.Lookup(ctx, stale.Locator)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = gw.Lookup(ctx, released.Locator)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = gw.Lookup(ctx, fresh.Locator)
	assert.NoError(t, err)
	_, err = gw.Lookup(ctx, kept.Locator)
	assert.NoError(t, err)
}

type messageTable map[snowflake.ID]*model.Message

func (m messageTable) GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error) {
	if msg, ok := m[id]; ok {
		return msg, nil
	}
	return nil, apperr.NotFound("message %s", id)
}

func TestSweepReclaimsOrphanedAttachments(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	gw.now = func() time.Time { return clock }

	attach := func(name string, id snowflake.ID) model.Attachment {
		att, err := gw.Store(ctx, strings.NewReader(name), name, "", "u1")
		require.NoError(t, err)
		_, err = gw.Claim(ctx, att.Locator, "u1")
		require.NoError(t, err)
		if id != 0 {
			require.NoError(t, gw.Bind(ctx, att.Locator, id))
		}
		return att
	}
	live := attach("live.png", 1)
	tombstoned := attach("deleted.png", 2)
	missing := attach("missing.png", 424242)
	unbound := attach("unbound.png", 0)

	clock = clock.Add(2 * time.Hour)
	recent := attach("recent.png", 424243)

	messages := messageTable{
		1: {ID: 1, Body: model.AttachmentBody{Attachment: live}},
		2: {ID: 2, IsDeleted: true, Body: model.Tombstone{}},
	}

	n, err := NewSweeper(gw, messages, "*/15 * * * *", time.Hour, metrics.New()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, att := range []model.Attachment{tombstoned, missing, unbound} {
		_, err := gw.Lookup(ctx, att.Locator)
		assert.ErrorIs(t, err, apperr.ErrNotFound, att.Filename)
		_, statErr := os.Stat(filepath.Join(gw.dir, att.Locator))
		assert.True(t, os.IsNotExist(statErr), att.Filename)
	}
	for _, att := range []model.Attachment{live, recent} {
		rec, err := gw.Lookup(ctx, att.Locator)
		require.NoError(t, err, att.Filename)
		assert.Equal(t, StateAttached, rec.State)
	}
}

func TestSweepKeepsAttachedWhenLookupFails(t *testing.T) {
	gw := newGateway(t, 1024)
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	gw.now = func() time.Time { return clock }

	att, err := gw.Store(ctx, strings.NewReader("x"), "x.png", "", "u1")
	require.NoError(t, err)
	_, err = gw.Claim(ctx, att.Locator, "u1")
	require.NoError(t, err)
	require.NoError(t, gw.Bind(ctx, att.Locator, 7))
	clock = clock.Add(48 * time.Hour)

	n, err := NewSweeper(gw, unavailable{}, "", time.Hour, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = gw.Lookup(ctx, att.Locator)
	assert.NoError(t, err)
}

type unavailable struct{}

func (unavailable) GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error) {
	return nil, apperr.TransientIO("read message", io.ErrUnexpectedEOF)
}
