// Package persist implements the on-disk service-snapshot cache: a
// directory of one file per (ServiceKey, DataKind), written atomically
// so a reader never observes a half-written file, and read back subject
// to an availability window past which the disk copy is considered too
// stale to serve even a disk-allowed lookup.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

// Config controls where files live, how stale they may be before
// being ignored, and how write failures are retried.
type Config struct {
	Dir             string
	AvailableTime   time.Duration
	UpgradeWaitTime time.Duration
	MaxWriteRetry   int
	RetryInterval   time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		AvailableTime:   24 * time.Hour,
		UpgradeWaitTime: time.Minute,
		MaxWriteRetry:   3,
		RetryInterval:   100 * time.Millisecond,
	}
}

// Store persists and loads ServiceData snapshots as JSON files under
// Config.Dir, one per (ServiceKey, DataKind).
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[model.DataKey]*loadedFile
}

// loadedFile remembers the on-disk identity (mtime, inode, size) and
// decoded snapshot from the last successful Load of one key, so a
// repeated Load while the file is untouched skips the read-and-decode.
// A rewrite via rename-into-place changes the inode even when the mtime
// granularity hides the change, which is what distinguishes a real
// update from a directory event with nothing new underneath.
type loadedFile struct {
	mtime    time.Time
	inode    uint64
	size     int64
	syncTime time.Time
	data     *model.ServiceData
}

func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger, loaded: make(map[model.DataKey]*loadedFile)}
}

func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}

// envelope is the on-disk shape; it is deliberately independent of
// model.ServiceData's in-memory layout (which carries unexported
// refcounts) so the wire format stays stable across internal refactors.
type envelope struct {
	Revision    string          `json:"revision"`
	Status      int             `json:"status"`
	Kind        int             `json:"kind"`
	SyncTimeUTC int64           `json:"sync_time_unix_nano"`
	Instances   []instanceDTO   `json:"instances,omitempty"`
	RouteRules  []model.RouteRule `json:"route_rules,omitempty"`
}

type instanceDTO struct {
	ID       string            `json:"id"`
	Host     string            `json:"host"`
	Port     uint32            `json:"port"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Region   string            `json:"region,omitempty"`
	Zone     string            `json:"zone,omitempty"`
	Campus   string            `json:"campus,omitempty"`
	SetName  string            `json:"set_name,omitempty"`
}

func (s *Store) fileName(key model.ServiceKey, kind model.DataKind) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(key.String())
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%s.%s.json", safe, kind))
}

// Persist atomically writes data to disk: a temp file in the same
// directory, flushed and renamed over the final name, so a concurrent
// Load never observes a partial write. Zero payload (data == nil or an
// empty Payload) removes any existing persisted file instead of writing
// an empty one, matching CachePersist::PersistServiceData's "empty data
// deletes" rule.
func (s *Store) Persist(key model.ServiceKey, kind model.DataKind, data *model.ServiceData) error {
	path := s.fileName(key, kind)
	if data == nil || isEmptyPayload(data.Payload) {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("persist: remove %s: %w", path, err)
		}
		return nil
	}

	env := envelope{
		Revision:    data.Revision,
		Status:      int(data.Status),
		Kind:        int(kind),
		SyncTimeUTC: time.Now().UnixNano(),
	}
	switch kind {
	case model.KindInstances:
		for _, in := range data.Instances() {
			env.Instances = append(env.Instances, instanceDTO{
				ID: in.ID, Host: in.Host, Port: in.Port, Weight: in.Weight,
				Metadata: in.Metadata, Region: in.Region, Zone: in.Zone,
				Campus: in.Campus, SetName: in.SetName,
			})
		}
	case model.KindRouteRule:
		env.RouteRules = data.RouteRules()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxWriteRetry; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.RetryInterval)
		}
		if lastErr = s.writeAtomic(path, body); lastErr == nil {
			return nil
		}
		s.logger.Warn("persist: write attempt failed", "path", path, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("persist: write %s after %d attempts: %w", path, s.cfg.MaxWriteRetry+1, lastErr)
}

func (s *Store) writeAtomic(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a persisted snapshot back. It returns (nil, false) both
// when no file exists and when the file is corrupt or stale past
// Config.AvailableTime; the caller cannot distinguish "absent" from
// "too old to trust", which matches the registry's allow_disk fallback:
// either way it must keep waiting for a live fetch.
func (s *Store) Load(key model.ServiceKey, kind model.DataKind) (*model.ServiceData, bool) {
	path := s.fileName(key, kind)
	dk := model.DataKey{Service: key, Kind: kind}

	info, statErr := os.Stat(path)
	if statErr == nil {
		s.mu.Lock()
		prev := s.loaded[dk]
		s.mu.Unlock()
		if prev != nil && prev.mtime.Equal(info.ModTime()) && prev.inode == inodeOf(info) && prev.size == info.Size() {
			if time.Since(prev.syncTime) > s.cfg.AvailableTime {
				return nil, false
			}
			return prev.data, true
		}
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("persist: read failed", "path", path, "error", err)
		}
		s.forget(dk)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Warn("persist: discarding corrupt cache file", "path", path, "error", err)
		s.forget(dk)
		return nil, false
	}

	syncTime := time.Unix(0, env.SyncTimeUTC)
	age := time.Since(syncTime)
	if age > s.cfg.AvailableTime {
		s.logger.Debug("persist: disk cache past availability window", "path", path, "age", age)
		return nil, false
	}

	var payload any
	switch kind {
	case model.KindInstances:
		instances := make([]*model.Instance, 0, len(env.Instances))
		for _, dto := range env.Instances {
			instances = append(instances, model.NewInstance(dto.ID, dto.Host, dto.Port, dto.Weight, dto.Metadata, dto.Region, dto.Zone, dto.Campus, dto.SetName))
		}
		payload = instances
	case model.KindRouteRule:
		payload = env.RouteRules
	}

	data := model.NewServiceData(dk, env.Revision, model.StatusInitFromDisk, payload, nil)
	if statErr == nil {
		s.mu.Lock()
		s.loaded[dk] = &loadedFile{
			mtime:    info.ModTime(),
			inode:    inodeOf(info),
			size:     info.Size(),
			syncTime: syncTime,
			data:     data,
		}
		s.mu.Unlock()
	}
	return data, true
}

func (s *Store) forget(key model.DataKey) {
	s.mu.Lock()
	delete(s.loaded, key)
	s.mu.Unlock()
}

// UpdateSyncTime re-stamps a persisted file's freshness without
// rewriting its payload; called when a live fetch confirms the disk
// copy still matches the server's revision.
func (s *Store) UpdateSyncTime(key model.ServiceKey, kind model.DataKind) error {
	path := s.fileName(key, kind)
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	env.SyncTimeUTC = time.Now().UnixNano()
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.writeAtomic(path, out)
}

func isEmptyPayload(payload any) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case []*model.Instance:
		return len(p) == 0
	case []model.RouteRule:
		return len(p) == 0
	default:
		return false
	}
}
