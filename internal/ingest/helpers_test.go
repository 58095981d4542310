package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/store"
)

type fakeDownloader struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeDownloader) Download(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

type fakeResolver map[string]string

func (f fakeResolver) ResolvePN(_ context.Context, lid types.JID) (types.JID, bool) {
	pn, ok := f[lid.String()]
	if !ok {
		return types.JID{}, false
	}
	parsed, err := types.ParseJID(pn)
	return parsed, err == nil
}

type recordingLog struct {
	mu     sync.Mutex
	errors []string
	events []*store.AppEvent
	panics []string
}

func (r *recordingLog) Error(errorType string, _ error, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorType)
}

func (r *recordingLog) Event(e *store.AppEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingLog) Panic(location string, _ any, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics = append(r.panics, location)
}

func (r *recordingLog) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

type touchRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (t *touchRecorder) Touch(jid string, _ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched = append(t.touched, jid)
}

var errDownload = errors.New("media server unreachable")

type fixture struct {
	db    *store.DB
	norm  *Normalizer
	dl    *fakeDownloader
	log   *recordingLog
	touch *touchRecorder
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:    db,
		dl:    &fakeDownloader{},
		log:   &recordingLog{},
		touch: &touchRecorder{},
		dir:   filepath.Join(dir, "media"),
	}
	f.norm = NewNormalizer(Deps{
		DB:       db,
		Resolver: fakeResolver{"999@lid": "57300@s.whatsapp.net"},
		Media:    f.dl,
		MediaDir: f.dir,
		Cache:    f.touch,
		Errors:   f.log,
		Logger:   zap.NewNop(),
	})
	return f
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	n, err := f.db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}
