package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnavailableOffline indicates the URL is not cached and the device has
	// no connection to fetch it.
	ErrUnavailableOffline = errors.New("media: unavailable offline")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingDirectory  = errors.New("cache directory is required")
	errMissingDownloader = errors.New("downloader is required")
	noOpLogger           = zap.NewNop()
)

// Downloader fetches remote media bytes. The remote client satisfies this.
type Downloader interface {
	DownloadURL(ctx context.Context, url string) ([]byte, error)
}

// ConnectivityProbe reports whether the remote service is reachable.
type ConnectivityProbe func(ctx context.Context) bool

// CacheConfig describes the dependencies of the media cache.
type CacheConfig struct {
	Database   *gorm.DB
	Directory  string
	Downloader Downloader
	Connected  ConnectivityProbe
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Cache maps remote media URLs to downloaded local files. A URL counts as
// cached only when both the metadata row and the backing file exist; a stale
// row without a file is treated as a miss and repaired, never a crash.
type Cache struct {
	db         *gorm.DB
	dir        string
	downloader Downloader
	connected  ConnectivityProbe
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCache validates the configuration and ensures the cache directory exists.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Directory == "" {
		return nil, errMissingDirectory
	}
	if cfg.Downloader == nil {
		return nil, errMissingDownloader
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("media: create cache dir: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	connected := cfg.Connected
	if connected == nil {
		connected = func(context.Context) bool { return false }
	}
	return &Cache{
		db:         cfg.Database,
		dir:        cfg.Directory,
		downloader: cfg.Downloader,
		connected:  connected,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CachedFilePath is the synchronous best-effort lookup: it returns the local
// path only when the metadata row and the file on disk both exist.
func (c *Cache) CachedFilePath(url string, isVideo bool) (string, bool) {
	var entry Entry
	err := c.db.Where("url = ?", url).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false
	}
	if err != nil {
		c.logger.Warn("media entry read failed, degrading to cache miss",
			zap.String("url", url), zap.Error(err))
		return "", false
	}
	if entry.IsVideo != isVideo {
		return "", false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		// Metadata without a backing file; drop the stale row so the next
		// resolve re-downloads.
		if err := c.db.Delete(&Entry{}, "url = ?", url).Error; err != nil {
			c.logger.Warn("stale media entry cleanup failed",
				zap.String("url", url), zap.Error(err))
		}
		return "", false
	}
	return entry.LocalPath, true
}

// ResolveURL returns a usable location for the media: the local path when
// cached, otherwise the remote URL while a background download runs. Offline
// with no cached copy yields ErrUnavailableOffline. Videos are never
// downloaded for offline use.
func (c *Cache) ResolveURL(ctx context.Context, url string, isVideo bool) (string, error) {
	if path, ok := c.CachedFilePath(url, isVideo); ok {
		return path, nil
	}
	if !c.connected(ctx) {
		return "", fmt.Errorf("%w: %s", ErrUnavailableOffline, url)
	}
	if !isVideo {
		go c.download(context.WithoutCancel(ctx), url)
	}
	return url, nil
}

// Prefetch downloads an image URL synchronously, used by the comprehensive
// cache cycle on an unmetered link. Videos are skipped.
func (c *Cache) Prefetch(ctx context.Context, url string, isVideo bool) error {
	if isVideo {
		return nil
	}
	if _, ok := c.CachedFilePath(url, isVideo); ok {
		return nil
	}
	return c.download(ctx, url)
}

func (c *Cache) download(ctx context.Context, url string) error {
	data, err := c.downloader.DownloadURL(ctx, url)
	if err != nil {
		c.logger.Debug("media download failed", zap.String("url", url), zap.Error(err))
		return err
	}

	localPath := filepath.Join(c.dir, fileNameFor(url))
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		c.logger.Warn("media file write failed", zap.String("url", url), zap.Error(err))
		return err
	}

	entry := Entry{
		URL:              url,
		LocalPath:        localPath,
		IsVideo:          false,
		ByteSize:         int64(len(data)),
		FetchedAtSeconds: c.clock().UTC().Unix(),
	}
	if err := c.db.Save(&entry).Error; err != nil {
		c.logger.Warn("media entry save failed", zap.String("url", url), zap.Error(err))
		return err
	}
	return nil
}

// UpdateManifest records the ordered media URL list for an entity.
func (c *Cache) UpdateManifest(entityKind, entityID string, urls []string) error {
	manifest := Manifest{
		EntityKind: entityKind,
		EntityID:   entityID,
		URLsJSON:   encodeURLs(urls),
	}
	return c.db.Save(&manifest).Error
}

// ManifestURLs returns the ordered media URL list for an entity, or nil.
func (c *Cache) ManifestURLs(entityKind, entityID string) []string {
	var manifest Manifest
	err := c.db.
		Where("entity_kind = ? AND entity_id = ?", entityKind, entityID).
		Take(&manifest).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.logger.Warn("media manifest read failed",
				zap.String("entity_id", entityID), zap.Error(err))
		}
		return nil
	}
	return manifest.URLs()
}

// CacheSize returns the total bytes held by cached media files.
func (c *Cache) CacheSize() int64 {
	var total int64
	if err := c.db.Model(&Entry{}).
		Select("COALESCE(SUM(byte_size), 0)").
		Scan(&total).Error; err != nil {
		c.logger.Warn("media size query failed", zap.Error(err))
		return 0
	}
	return total
}

// Prune evicts oldest-fetched entries until the cache fits maxBytes.
func (c *Cache) Prune(maxBytes int64) error {
	total := c.CacheSize()
	if total <= maxBytes {
		return nil
	}

	var entries []Entry
	if err := c.db.Order("fetched_at_s ASC, url ASC").Find(&entries).Error; err != nil {
		return err
	}
	for _, entry := range entries {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("media file removal failed",
				zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if err := c.db.Delete(&Entry{}, "url = ?", entry.URL).Error; err != nil {
			return err
		}
		total -= entry.ByteSize
		c.logger.Debug("media entry evicted",
			zap.String("url", entry.URL),
			zap.Int64("bytes", entry.ByteSize))
	}
	return nil
}

func fileNameFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])
	if ext := filepath.Ext(url); len(ext) > 1 && len(ext) <= 8 {
		name += ext
	}
	return name
}
