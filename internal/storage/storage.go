package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"multicam-live/internal/models"
)

type dataset struct {
	Connections   map[string]models.CameraConnection `json:"connections"`
	Channels      map[string]models.BroadcastChannel `json:"channels"`
	Owners        map[string]models.Owner            `json:"owners"`
	RelayAccounts map[string]models.RelayAccount     `json:"relayAccounts"`
}

func newDataset() dataset {
	return dataset{
		Connections:   make(map[string]models.CameraConnection),
		Channels:      make(map[string]models.BroadcastChannel),
		Owners:        make(map[string]models.Owner),
		RelayAccounts: make(map[string]models.RelayAccount),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Connections == nil {
		d.Connections = make(map[string]models.CameraConnection)
	}
	if d.Channels == nil {
		d.Channels = make(map[string]models.BroadcastChannel)
	}
	if d.Owners == nil {
		d.Owners = make(map[string]models.Owner)
	}
	if d.RelayAccounts == nil {
		d.RelayAccounts = make(map[string]models.RelayAccount)
	}
}

func connectionKey(ownerID string, cameraIndex int) string {
	return ownerID + "/" + strconv.Itoa(cameraIndex)
}

func relayKey(ownerID, platform string) string {
	return ownerID + "/" + strings.ToLower(platform)
}

// Storage is the JSON file repository. Every write is persisted with an
// atomic rename before it becomes visible. An empty path keeps data in memory
// only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	persistOverride func() error
}

// NewJSONRepository is NewStorage typed as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:        strings.TrimSpace(path),
		data:            newDataset(),
		persistOverride: collectSettings("", opts).persistHook,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	data.ensureInitialized()
	s.data = data
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in only after the
// copy was persisted, so a failed write leaves the visible state untouched.
func (s *Storage) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := cloneDataset(s.data)
	if err := fn(&updated); err != nil {
		return err
	}
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for k, v := range src.Connections {
		clone.Connections[k] = v
	}
	for k, v := range src.Channels {
		if v.StartedAt != nil {
			started := *v.StartedAt
			v.StartedAt = &started
		}
		clone.Channels[k] = v
	}
	for k, v := range src.Owners {
		clone.Owners[k] = v
	}
	for k, v := range src.RelayAccounts {
		clone.RelayAccounts[k] = v
	}
	return clone
}

func sortConnections(conns []models.CameraConnection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].OwnerID != conns[j].OwnerID {
			return conns[i].OwnerID < conns[j].OwnerID
		}
		return conns[i].CameraIndex < conns[j].CameraIndex
	})
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) UpsertConnection(_ context.Context, conn models.CameraConnection) error {
	if strings.TrimSpace(conn.OwnerID) == "" || conn.CameraIndex <= 0 {
		return fmt.Errorf("connection identity is required")
	}
	return s.mutate(func(d *dataset) error {
		if conn.Status == models.CameraOnAir {
			if err := ensureSingleOnAir(d, conn); err != nil {
				return err
			}
		}
		d.Connections[connectionKey(conn.OwnerID, conn.CameraIndex)] = conn
		return nil
	})
}

func (s *Storage) GetConnection(_ context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.data.Connections[connectionKey(ownerID, cameraIndex)]
	return conn, ok, nil
}

func (s *Storage) ListConnections(_ context.Context, ownerID string) ([]models.CameraConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]models.CameraConnection, 0)
	for _, conn := range s.data.Connections {
		if conn.OwnerID == ownerID {
			conns = append(conns, conn)
		}
	}
	sortConnections(conns)
	return conns, nil
}

func (s *Storage) SaveConnections(_ context.Context, conns ...models.CameraConnection) error {
	if len(conns) == 0 {
		return nil
	}
	return s.mutate(func(d *dataset) error {
		for _, conn := range conns {
			key := connectionKey(conn.OwnerID, conn.CameraIndex)
			if _, ok := d.Connections[key]; !ok {
				continue
			}
			d.Connections[key] = conn
		}
		for _, conn := range conns {
			if conn.Status == models.CameraOnAir {
				if err := ensureSingleOnAir(d, conn); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func ensureSingleOnAir(d *dataset, target models.CameraConnection) error {
	for _, other := range d.Connections {
		if other.OwnerID == target.OwnerID && other.CameraIndex != target.CameraIndex && other.Status == models.CameraOnAir {
			return fmt.Errorf("owner %s already has camera %d on air", target.OwnerID, other.CameraIndex)
		}
	}
	return nil
}

func (s *Storage) TouchConnection(_ context.Context, ownerID string, cameraIndex int, at time.Time) (bool, error) {
	found := false
	err := s.mutate(func(d *dataset) error {
		key := connectionKey(ownerID, cameraIndex)
		conn, ok := d.Connections[key]
		if !ok {
			return nil
		}
		found = true
		conn.LastContact = at
		d.Connections[key] = conn
		return nil
	})
	return found, err
}

func (s *Storage) DeleteConnection(_ context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error) {
	var removed models.CameraConnection
	found := false
	err := s.mutate(func(d *dataset) error {
		key := connectionKey(ownerID, cameraIndex)
		conn, ok := d.Connections[key]
		if !ok {
			return nil
		}
		removed, found = conn, true
		delete(d.Connections, key)
		return nil
	})
	if err != nil {
		return models.CameraConnection{}, false, err
	}
	return removed, found, nil
}

func (s *Storage) ListStaleConnections(_ context.Context, ownerID string, cutoff time.Time) ([]models.CameraConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stale := make([]models.CameraConnection, 0)
	for _, conn := range s.data.Connections {
		if ownerID != "" && conn.OwnerID != ownerID {
			continue
		}
		if conn.Stale(cutoff) {
			stale = append(stale, conn)
		}
	}
	sortConnections(stale)
	return stale, nil
}

func (s *Storage) ListOwners(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, conn := range s.data.Connections {
		seen[conn.OwnerID] = struct{}{}
	}
	for ownerID := range s.data.Channels {
		seen[ownerID] = struct{}{}
	}
	owners := make([]string, 0, len(seen))
	for ownerID := range seen {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *Storage) GetChannel(_ context.Context, ownerID string) (models.BroadcastChannel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.data.Channels[ownerID]
	if ok && channel.StartedAt != nil {
		started := *channel.StartedAt
		channel.StartedAt = &started
	}
	return channel, ok, nil
}

func (s *Storage) SaveChannel(_ context.Context, channel models.BroadcastChannel) error {
	if strings.TrimSpace(channel.OwnerID) == "" {
		return fmt.Errorf("channel owner is required")
	}
	return s.mutate(func(d *dataset) error {
		d.Channels[channel.OwnerID] = channel
		return nil
	})
}

func (s *Storage) CountLiveChannels(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, channel := range s.data.Channels {
		if channel.Live {
			count++
		}
	}
	return count, nil
}

func (s *Storage) GetOwner(_ context.Context, ownerID string) (models.Owner, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.data.Owners[ownerID]
	return owner, ok, nil
}

func (s *Storage) SaveOwner(_ context.Context, owner models.Owner) error {
	if strings.TrimSpace(owner.ID) == "" {
		return fmt.Errorf("owner id is required")
	}
	return s.mutate(func(d *dataset) error {
		d.Owners[owner.ID] = owner
		return nil
	})
}

func (s *Storage) GetRelayAccount(_ context.Context, ownerID, platform string) (models.RelayAccount, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.RelayAccounts[relayKey(ownerID, platform)]
	return account, ok, nil
}

func (s *Storage) SaveRelayAccount(_ context.Context, account models.RelayAccount) error {
	if strings.TrimSpace(account.OwnerID) == "" || strings.TrimSpace(account.Platform) == "" {
		return fmt.Errorf("relay account owner and platform are required")
	}
	account.Platform = strings.ToLower(account.Platform)
	return s.mutate(func(d *dataset) error {
		d.RelayAccounts[relayKey(account.OwnerID, account.Platform)] = account
		return nil
	})
}
