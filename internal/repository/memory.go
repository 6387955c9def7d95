package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
)

// The memory repositories back single-process installs without DATABASE_URL.
var (
	_ OptionRepository = (*MemoryOptionRepo)(nil)
	_ SiteRepository   = (*MemorySiteRepo)(nil)
	_ KeyRepository    = (*MemoryKeyRepo)(nil)
	_ NonceStore       = (*MemoryNonceStore)(nil)
)

// MemoryOptionRepo keeps options in process memory.
type MemoryOptionRepo struct {
	mu   sync.RWMutex
	data map[int64]map[string]string
}

func NewMemoryOptionRepo() *MemoryOptionRepo {
	return &MemoryOptionRepo{data: map[int64]map[string]string{}}
}

func (m *MemoryOptionRepo) GetOptions(_ context.Context, siteID int64, names ...string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := m.data[siteID][name]; ok {
			values[name] = v
		}
	}
	return values, nil
}

func (m *MemoryOptionRepo) SetOptions(_ context.Context, siteID int64, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts, ok := m.data[siteID]
	if !ok {
		opts = map[string]string{}
		m.data[siteID] = opts
	}
	for name, value := range values {
		opts[name] = value
	}
	return nil
}

func (m *MemoryOptionRepo) DeleteOptions(_ context.Context, siteID int64, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts, ok := m.data[siteID]
	if !ok {
		return nil
	}
	for _, name := range names {
		delete(opts, name)
	}
	if len(opts) == 0 {
		delete(m.data, siteID)
	}
	return nil
}

func (m *MemoryOptionRepo) FindSiteIDs(_ context.Context, name, value string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for siteID, opts := range m.data {
		if v, ok := opts[name]; ok && v == value {
			ids = append(ids, siteID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MemorySiteRepo keeps sites in process memory.
type MemorySiteRepo struct {
	mu    sync.RWMutex
	sites map[int64]domain.Site
}

func NewMemorySiteRepo(sites ...domain.Site) *MemorySiteRepo {
	repo := &MemorySiteRepo{sites: map[int64]domain.Site{}}
	for _, s := range sites {
		repo.sites[s.ID] = s
	}
	return repo
}

func (m *MemorySiteRepo) GetSite(_ context.Context, siteID int64) (domain.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site, ok := m.sites[siteID]
	if !ok {
		return domain.Site{}, fmt.Errorf("get site %d: %w", siteID, instagram.ErrSiteNotFound)
	}
	return site, nil
}

func (m *MemorySiteRepo) GetSiteByHost(_ context.Context, host string) (domain.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found domain.Site
		ok    bool
	)
	for _, site := range m.sites {
		if site.Host() == strings.ToLower(host) && (!ok || site.ID < found.ID) {
			found, ok = site, true
		}
	}
	if !ok {
		return domain.Site{}, fmt.Errorf("get site by host %s: %w", host, instagram.ErrSiteNotFound)
	}
	return found, nil
}

func (m *MemorySiteRepo) ListSites(_ context.Context) ([]domain.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sites := make([]domain.Site, 0, len(m.sites))
	for _, s := range m.sites {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

func (m *MemorySiteRepo) CreateSite(_ context.Context, site domain.Site) (domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sites[site.ID]; exists {
		return domain.Site{}, fmt.Errorf("create site: id %d already exists", site.ID)
	}
	site.URL = site.BaseURL()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}
	m.sites[site.ID] = site
	return site, nil
}

// MemoryKeyRepo keeps the active signing key in process memory.
type MemoryKeyRepo struct {
	mu  sync.Mutex
	key *domain.SigningKey
}

func NewMemoryKeyRepo() *MemoryKeyRepo {
	return &MemoryKeyRepo{}
}

func (m *MemoryKeyRepo) GetActiveKey(context.Context) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return domain.SigningKey{}, pgx.ErrNoRows
	}
	return *m.key, nil
}

func (m *MemoryKeyRepo) CreateKey(_ context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.CreatedAt = time.Now().UTC()
	m.key = &key
	return key, nil
}

func (m *MemoryKeyRepo) RotateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	key.IsActive = true
	return m.CreateKey(ctx, key)
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]memoryNonce
}

type memoryNonce struct {
	siteID    int64
	expiresAt time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, nonces: map[string]memoryNonce{}}
}

func (m *MemoryNonceStore) SaveNonce(_ context.Context, nonce string, siteID int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, entry := range m.nonces {
		if !now.Before(entry.expiresAt) {
			delete(m.nonces, key)
		}
	}
	m.nonces[nonce] = memoryNonce{siteID: siteID, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryNonceStore) ConsumeNonce(_ context.Context, nonce string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.nonces[nonce]
	if !ok {
		return 0, false, nil
	}
	delete(m.nonces, nonce)
	if !m.now().Before(entry.expiresAt) {
		return 0, false, nil
	}
	return entry.siteID, true, nil
}
