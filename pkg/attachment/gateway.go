// Package attachment stores uploaded files on the local filesystem and
// tracks their lifecycle in a catalog so files whose message was deleted,
// or that were never sent, are eventually reclaimed.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Gateway is the attachment surface the chat service depends on.
type Gateway interface {
	Store(ctx context.Context, r io.Reader, filename, mimeType, uploader string) (model.Attachment, error)
	Delete(ctx context.Context, locator string) error
	Classify(filename string) model.AttachmentKind
	// Claim reserves a pending upload for a message about to be written.
	// Only the uploader may claim it, and only once.
	Claim(ctx context.Context, locator, uploader string) (model.Attachment, error)
	// Bind records the message that ended up carrying a claimed upload.
	Bind(ctx context.Context, locator string, messageID snowflake.ID) error
	Unclaim(ctx context.Context, locator string) error
	Open(ctx context.Context, locator string) (io.ReadSeekCloser, *Record, error)
	// Discard deletes an upload that was never attached.
	Discard(ctx context.Context, locator, requester string) error
}

var locatorPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.[a-z0-9]{1,5}$`)

type Local struct {
	dir     string
	maxSize int64
	catalog *Catalog
	now     func() time.Time

	// mu serialises state transitions of catalog records.
	mu sync.Mutex
}

var _ Gateway = (*Local)(nil)

func NewLocal(dir string, maxSize int64, catalog *Catalog) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Local{dir: dir, maxSize: maxSize, catalog: catalog, now: time.Now}, nil
}

func (g *Local) Classify(filename string) model.AttachmentKind {
	return Classify(filename)
}

func (g *Local) path(locator string) string {
	return filepath.Join(g.dir, locator)
}

func validLocator(locator string) error {
	if !locatorPattern.MatchString(locator) {
		return apperr.NotFound("attachment %q", locator)
	}
	return nil
}

// Store writes the upload to disk and records it as pending. The type is
// decided by extension; mimeType is kept as a hint for downloads.
func (g *Local) Store(ctx context.Context, r io.Reader, filename, mimeType, uploader string) (model.Attachment, error) {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return model.Attachment{}, apperr.Validation("filename is required")
	}
	kind := Classify(base)
	if kind == model.KindUnknown {
		return model.Attachment{}, apperr.UnsupportedType("file type %q is not allowed", filepath.Ext(base))
	}

	locator := uuid.NewString() + "." + extension(base)
	dst := g.path(locator)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return model.Attachment{}, apperr.TransientIO("create upload", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, g.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return model.Attachment{}, apperr.TransientIO("write upload", err)
	}
	if n > g.maxSize {
		_ = os.Remove(dst)
		return model.Attachment{}, apperr.TooLarge("file exceeds %s", humanize.Bytes(uint64(g.maxSize)))
	}
	if n == 0 {
		_ = os.Remove(dst)
		return model.Attachment{}, apperr.Validation("file is empty")
	}

	att := model.Attachment{
		Locator:  locator,
		Kind:     kind,
		Filename: base,
		Size:     n,
		MIMEType: mimeType,
	}
	now := g.now()
	rec := &Record{Attachment: att, Uploader: uploader, State: StatePending, CreatedAt: now, UpdatedAt: now}
	if err := g.catalog.Put(rec); err != nil {
		_ = os.Remove(dst)
		return model.Attachment{}, apperr.TransientIO("record upload", err)
	}
	logger.Info("attachment_stored", "locator", locator, "kind", kind, "size", humanize.Bytes(uint64(n)), "uploader", uploader)
	return att, nil
}

func (g *Local) lookup(locator string) (*Record, error) {
	if err := validLocator(locator); err != nil {
		return nil, err
	}
	rec, err := g.catalog.Get(locator)
	if isNotFound(err) {
		return nil, apperr.NotFound("attachment %s", locator)
	}
	if err != nil {
		return nil, apperr.TransientIO("read catalog", err)
	}
	return rec, nil
}

func (g *Local) Lookup(ctx context.Context, locator string) (*Record, error) {
	return g.lookup(locator)
}

func (g *Local) Claim(ctx context.Context, locator, uploader string) (model.Attachment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(locator)
	if err != nil {
		return model.Attachment{}, err
	}
	if rec.Uploader != uploader {
		return model.Attachment{}, apperr.Forbidden("attachment %s belongs to another user", locator)
	}
	if rec.State != StatePending {
		return model.Attachment{}, apperr.Conflict("attachment %s is %s", locator, rec.State)
	}
	rec.State = StateAttached
	rec.UpdatedAt = g.now()
	if err := g.catalog.Put(rec); err != nil {
		return model.Attachment{}, apperr.TransientIO("claim attachment", err)
	}
	return rec.Attachment, nil
}

func (g *Local) Bind(ctx context.Context, locator string, messageID snowflake.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(locator)
	if err != nil {
		return err
	}
	if rec.State != StateAttached {
		return apperr.Conflict("attachment %s is %s", locator, rec.State)
	}
	rec.MessageID = messageID
	rec.UpdatedAt = g.now()
	return apperr.TransientIO("bind attachment", g.catalog.Put(rec))
}

// Unclaim returns an attachment to pending, used when the message that
// claimed it could not be persisted.
func (g *Local) Unclaim(ctx context.Context, locator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(locator)
	if err != nil {
		return err
	}
	rec.State = StatePending
	rec.MessageID = 0
	rec.UpdatedAt = g.now()
	return apperr.TransientIO("unclaim attachment", g.catalog.Put(rec))
}

// Delete marks the attachment released and removes the file. When removal
// fails the record stays released and the sweep retries it later.
func (g *Local) Delete(ctx context.Context, locator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(locator)
	if apperr.IsNotFound(err) {
		return g.removeFile(locator)
	}
	if err != nil {
		return err
	}
	rec.State = StateReleased
	rec.UpdatedAt = g.now()
	if err := g.catalog.Put(rec); err != nil {
		return apperr.TransientIO("release attachment", err)
	}
	return g.reclaim(rec)
}

// reclaim removes the file and then its record.
func (g *Local) reclaim(rec *Record) error {
	if err := g.removeFile(rec.Locator); err != nil {
		return err
	}
	if err := g.catalog.Delete(rec.Locator); err != nil {
		return apperr.TransientIO("drop catalog record", err)
	}
	return nil
}

func (g *Local) removeFile(locator string) error {
	if err := validLocator(locator); err != nil {
		return err
	}
	err := os.Remove(g.path(locator))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.TransientIO("remove file", err)
	}
	return nil
}

func (g *Local) Discard(ctx context.Context, locator, requester string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(locator)
	if err != nil {
		return err
	}
	if rec.Uploader != requester {
		return apperr.Forbidden("attachment %s belongs to another user", locator)
	}
	if rec.State == StateAttached {
		return apperr.Conflict("attachment %s is attached", locator)
	}
	return g.reclaim(rec)
}

func (g *Local) Open(ctx context.Context, locator string) (io.ReadSeekCloser, *Record, error) {
	rec, err := g.lookup(locator)
	if err != nil {
		return nil, nil, err
	}
	if rec.State == StateReleased {
		return nil, nil, apperr.NotFound("attachment %s", locator)
	}
	f, err := os.Open(g.path(locator))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, apperr.NotFound("attachment %s", locator)
	}
	if err != nil {
		return nil, nil, apperr.TransientIO("open attachment", err)
	}
	return f, rec, nil
}
