package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/store"
)

// DefaultTTL is how long a cached name and picture are considered fresh.
const DefaultTTL = 24 * time.Hour

// Fetcher retrieves conversation metadata from the live session.
type Fetcher interface {
	IsConnected() bool
	GroupName(ctx context.Context, jid string) (string, error)
	ContactName(ctx context.Context, jid string) (string, error)
	// ProfilePicture returns nil bytes when the jid has no visible picture.
	ProfilePicture(ctx context.Context, jid string) ([]byte, error)
}

// Cache keeps group and contact display names and profile pictures in the
// store, refreshing stale entries in the background.
type Cache struct {
	db          *store.DB
	fetch       Fetcher
	picturesDir string
	log         *zap.Logger
	ttl         time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a cache. fetch may be set later with SetFetcher.
func New(db *store.DB, picturesDir string, log *zap.Logger) *Cache {
	return &Cache{
		db:          db,
		picturesDir: picturesDir,
		log:         log.Named("cache"),
		ttl:         DefaultTTL,
		timeout:     30 * time.Second,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

// SetFetcher installs the metadata source.
func (c *Cache) SetFetcher(f Fetcher) {
	c.mu.Lock()
	c.fetch = f
	c.mu.Unlock()
}

func kindOf(isGroup bool) store.InfoKind {
	if isGroup {
		return store.GroupInfo
	}
	return store.ContactInfo
}

// Touch schedules a refresh of jid when the session is connected and the
// cached entry is absent or older than the TTL. It never blocks on the network.
func (c *Cache) Touch(jid string, isGroup bool) {
	c.mu.Lock()
	f := c.fetch
	c.mu.Unlock()
	if f == nil || !f.IsConnected() {
		return
	}

	kind := kindOf(isGroup)
	info, err := c.db.GetInfo(kind, jid)
	if err != nil {
		c.log.Debug("cache lookup failed", zap.String("jid", jid), zap.Error(err))
		return
	}
	if info != nil && c.fresh(info) {
		return
	}

	key := string(kind) + "/" + jid
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			if rec := recover(); rec != nil {
				c.log.Warn("cache refresh panicked", zap.String("jid", jid), zap.Any("panic", rec))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.refresh(ctx, f, kind, jid)
	}()
}

func (c *Cache) fresh(info *store.Info) bool {
	return c.now().Sub(time.Unix(info.UpdatedAt, 0)) < c.ttl
}

// refresh fetches name and picture independently; each may fail without
// affecting the other. Failures are expected (privacy settings, left groups).
func (c *Cache) refresh(ctx context.Context, f Fetcher, kind store.InfoKind, jid string) {
	info := &store.Info{JID: jid, UpdatedAt: c.now().Unix()}

	var (
		name string
		err  error
	)
	if kind == store.GroupInfo {
		name, err = f.GroupName(ctx, jid)
	} else {
		name, err = f.ContactName(ctx, jid)
	}
	if err != nil {
		c.log.Debug("name refresh failed", zap.String("jid", jid), zap.Error(err))
	}
	info.Name = name

	pic, err := f.ProfilePicture(ctx, jid)
	if err != nil {
		c.log.Debug("picture refresh failed", zap.String("jid", jid), zap.Error(err))
	} else if len(pic) > 0 {
		path, err := c.savePicture(jid, pic)
		if err != nil {
			c.log.Debug("picture save failed", zap.String("jid", jid), zap.Error(err))
		} else {
			info.PicturePath = path
		}
	}

	if err := c.db.UpsertInfo(kind, info); err != nil {
		c.log.Warn("cache upsert failed", zap.String("jid", jid), zap.Error(err))
	}
}

func (c *Cache) savePicture(jid string, data []byte) (string, error) {
	if err := os.MkdirAll(c.picturesDir, 0700); err != nil {
		return "", err
	}
	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".jpg"
	}
	name := sanitize(jid) + ext
	if err := os.WriteFile(filepath.Join(c.picturesDir, name), data, 0600); err != nil {
		return "", fmt.Errorf("write picture: %w", err)
	}
	return filepath.Join(filepath.Base(c.picturesDir), name), nil
}

func sanitize(jid string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, jid)
}

// RecordPushName merges a contact's self-chosen name without marking the
// entry fresh.
func (c *Cache) RecordPushName(jid, name string) {
	if err := c.db.MergeInfoName(store.ContactInfo, jid, name); err != nil {
		c.log.Debug("push name merge failed", zap.String("jid", jid), zap.Error(err))
	}
}

// Lookup returns the cached entry for jid, or nil.
func (c *Cache) Lookup(jid string, isGroup bool) *store.Info {
	info, err := c.db.GetInfo(kindOf(isGroup), jid)
	if err != nil {
		return nil
	}
	return info
}

// DisplayName returns the cached name, falling back to the most recent sender
// name seen in the conversation.
func (c *Cache) DisplayName(jid string, isGroup bool) string {
	if info := c.Lookup(jid, isGroup); info != nil && info.Name != "" {
		return info.Name
	}
	if isGroup {
		return ""
	}
	m, err := c.db.LatestMessage(jid, true)
	if err != nil || m == nil {
		return ""
	}
	return m.SenderName
}

// Wait blocks until in-flight refreshes finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}
