package mocks

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"github.com/shopspring/decimal"
)

// ErrCacheMiss отсутствие ключа в MockCampaignCache
var ErrCacheMiss = errors.New("cache miss")

// Store общее in-memory хранилище для моков репозиториев. Все операции выполняются
// под одним мьютексом, что даёт ту же атомарность, что и условные UPDATE в Postgres.
type Store struct {
	mu    sync.Mutex
	guard *guard.Guard

	campaigns map[int64]*models.Campaign
	urls      map[int64]*models.URL
	ledger    map[int64]map[int64]models.BudgetLedgerEntry
	counters  map[int64]map[string]*models.RedirectMethodCounter

	nextCampaignID int64
	nextURLID      int64

	// BeforeIncrement вызывается перед TryIncrement вне блокировки (моделирование гонок)
	BeforeIncrement func(urlID int64)
	// CommitErr однократная ошибка CommitBudget (моделирование падения после вызова биллинга)
	CommitErr error
}

func NewStore(g *guard.Guard) *Store {
	return &Store{
		guard:          g,
		campaigns:      make(map[int64]*models.Campaign),
		urls:           make(map[int64]*models.URL),
		ledger:         make(map[int64]map[int64]models.BudgetLedgerEntry),
		counters:       make(map[int64]map[string]*models.RedirectMethodCounter),
		nextCampaignID: 1,
		nextURLID:      1,
	}
}

func (s *Store) URLs() *MockURLRepository               { return &MockURLRepository{s: s} }
func (s *Store) Campaigns() *MockCampaignRepository     { return &MockCampaignRepository{s: s} }
func (s *Store) Ledger() *MockBudgetLedgerRepository    { return &MockBudgetLedgerRepository{s: s} }
func (s *Store) Counters() *MockMethodCounterRepository { return &MockMethodCounterRepository{s: s} }

// AddCampaign сохраняет кампанию как есть (тестовая подготовка данных)
func (s *Store) AddCampaign(c models.Campaign) *models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		c.ID = s.nextCampaignID
	}
	s.nextCampaignID = max(s.nextCampaignID, c.ID+1)
	if c.SpendState == "" {
		c.SpendState = models.SpendStateLow
	}
	if c.WaitMinutes == 0 {
		c.WaitMinutes = models.DefaultWaitMinutes
	}
	stored := cloneCampaign(&c)
	s.campaigns[c.ID] = stored
	return cloneCampaign(stored)
}

// AddURL сохраняет ссылку; click_limit вычисляется из множителя кампании, если не задан
func (s *Store) AddURL(u models.URL) *models.URL {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		u.ID = s.nextURLID
	}
	s.nextURLID = max(s.nextURLID, u.ID+1)
	if u.Status == "" {
		u.Status = models.URLStatusActive
	}
	if u.ClickLimit == 0 {
		if c, ok := s.campaigns[u.CampaignID]; ok {
			u.ClickLimit = models.ClickLimitFor(u.OriginalClickLimit, c.Multiplier)
		}
	}
	stored := u
	s.urls[u.ID] = &stored
	return cloneURL(&stored)
}

// SetClicks выставляет счётчик в обход всех проверок (тестовая подготовка данных)
func (s *Store) SetClicks(urlID, clicks int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.urls[urlID]
	u.Clicks = clicks
	if u.Status == models.URLStatusActive && clicks >= u.ClickLimit {
		u.Status = models.URLStatusCompleted
	}
}

func (s *Store) URL(id int64) *models.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneURL(s.urls[id])
}

func (s *Store) Campaign(id int64) *models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCampaign(s.campaigns[id])
}

func (s *Store) LedgerEntries(campaignID int64) []models.BudgetLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerLocked(campaignID)
}

func (s *Store) ledgerLocked(campaignID int64) []models.BudgetLedgerEntry {
	entries := make([]models.BudgetLedgerEntry, 0, len(s.ledger[campaignID]))
	for _, e := range s.ledger[campaignID] {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b models.BudgetLedgerEntry) int {
		return int(a.URLID - b.URLID)
	})
	return entries
}

func cloneURL(u *models.URL) *models.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.BudgetAccountedAt != nil {
		t := *u.BudgetAccountedAt
		c.BudgetAccountedAt = &t
	}
	return &c
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	if c == nil {
		return nil
	}
	out := *c
	if c.ExternalCampaignID != nil {
		v := *c.ExternalCampaignID
		out.ExternalCampaignID = &v
	}
	if c.CurrentBudget != nil {
		v := *c.CurrentBudget
		out.CurrentBudget = &v
	}
	if c.BudgetCalcAt != nil {
		v := *c.BudgetCalcAt
		out.BudgetCalcAt = &v
	}
	if c.ClaimedUntil != nil {
		v := *c.ClaimedUntil
		out.ClaimedUntil = &v
	}
	out.EnabledRedirectMethods = slices.Clone(c.EnabledRedirectMethods)
	return &out
}

// MockURLRepository implements repository.URLRepository for testing
type MockURLRepository struct {
	s *Store
}

func (m *MockURLRepository) Create(ctx context.Context, u *models.URL) error {
	m.s.mu.Lock()
	_, ok := m.s.campaigns[u.CampaignID]
	m.s.mu.Unlock()
	if !ok {
		return repository.ErrCampaignNotFound
	}

	u.ClickLimit = 0
	u.Clicks = 0
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	*u = *m.s.AddURL(*u)
	return nil
}

func (m *MockURLRepository) GetByID(ctx context.Context, id int64) (*models.URL, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	u, ok := m.s.urls[id]
	if !ok {
		return nil, repository.ErrURLNotFound
	}
	return cloneURL(u), nil
}

func (m *MockURLRepository) ListByCampaign(ctx context.Context, campaignID int64, statuses ...models.URLStatus) ([]models.URL, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []models.URL
	for _, u := range m.s.urls {
		if u.CampaignID != campaignID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, u.Status) {
			continue
		}
		out = append(out, *cloneURL(u))
	}
	slices.SortFunc(out, func(a, b models.URL) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *MockURLRepository) TryIncrement(ctx context.Context, id int64) (int64, bool, error) {
	if hook := m.s.BeforeIncrement; hook != nil {
		hook(id)
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	u, ok := m.s.urls[id]
	if !ok || u.Status != models.URLStatusActive || u.Clicks >= u.ClickLimit {
		return 0, false, nil
	}
	u.Clicks++
	if u.Clicks >= u.ClickLimit {
		u.Status = models.URLStatusCompleted
	}
	return u.Clicks, true, nil
}

func (m *MockURLRepository) Update(ctx context.Context, u *models.URL) (*models.URL, error) {
	return m.write(ctx, u.ID, func(prior models.URL) models.URL { return *u })
}

func (m *MockURLRepository) SetOriginalClickLimit(ctx context.Context, id int64, value int64) (*models.URL, error) {
	return m.write(ctx, id, func(prior models.URL) models.URL {
		prior.OriginalClickLimit = value
		return prior
	})
}

func (m *MockURLRepository) write(ctx context.Context, id int64, mutate func(prior models.URL) models.URL) (*models.URL, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stored, ok := m.s.urls[id]
	if !ok {
		return nil, repository.ErrURLNotFound
	}
	multiplier := decimal.NewFromInt(1)
	if c, ok := m.s.campaigns[stored.CampaignID]; ok {
		multiplier = c.Multiplier
	}

	prior := *cloneURL(stored)
	next := repository.PrepareURLWrite(ctx, m.s.guard, prior, mutate(prior), multiplier)
	*stored = next
	return cloneURL(stored), nil
}

func (m *MockURLRepository) ApplyMultiplier(ctx context.Context, campaignID int64, multiplier decimal.Decimal) (int64, error) {
	if !m.s.guard.Allowed(ctx, 0, campaignID) {
		return 0, guard.ErrGuardViolation
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.campaigns[campaignID]
	if !ok {
		return 0, repository.ErrCampaignNotFound
	}
	c.Multiplier = multiplier

	var affected int64
	for _, u := range m.s.urls {
		if u.CampaignID != campaignID {
			continue
		}
		limit := models.ClickLimitFor(u.OriginalClickLimit, multiplier)
		u.Status = models.StatusForLimit(u.Status, u.Clicks, limit)
		u.ClickLimit = max(limit, u.Clicks)
		affected++
	}
	return affected, nil
}

func (m *MockURLRepository) ListLateUnaccounted(ctx context.Context, campaignID int64, since time.Time) ([]models.URL, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []models.URL
	for _, u := range m.s.urls {
		if u.CampaignID != campaignID || !u.CreatedAt.After(since) || u.BudgetAccountedAt != nil {
			continue
		}
		if !slices.Contains(models.BillableStatuses, u.Status) {
			continue
		}
		if _, logged := m.s.ledger[campaignID][u.ID]; logged {
			continue
		}
		out = append(out, *cloneURL(u))
	}
	slices.SortFunc(out, func(a, b models.URL) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// MockCampaignRepository implements repository.CampaignRepository for testing
type MockCampaignRepository struct {
	s *Store
}

func (m *MockCampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if c.SpendStateChangedAt.IsZero() {
		c.SpendStateChangedAt = time.Now().UTC()
	}
	*c = *m.s.AddCampaign(*c)
	return nil
}

func (m *MockCampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	return cloneCampaign(c), nil
}

func (m *MockCampaignRepository) ListReconcilable(ctx context.Context) ([]models.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []models.Campaign
	for _, c := range m.s.campaigns {
		if c.HasExternalCampaign() {
			out = append(out, *cloneCampaign(c))
		}
	}
	slices.SortFunc(out, func(a, b models.Campaign) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *MockCampaignRepository) UpdateDailySpend(ctx context.Context, id int64, spend decimal.Decimal) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	c.DailySpend = spend
	return nil
}

func (m *MockCampaignRepository) TransitionSpendState(ctx context.Context, tr models.SpendTransition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.campaigns[tr.CampaignID]
	if !ok || c.SpendState != tr.From || c.StateVersion != tr.Version {
		return false, nil
	}
	c.SpendState = tr.To
	c.StateVersion++
	if tr.ChangedAt != nil {
		c.SpendStateChangedAt = *tr.ChangedAt
	}
	c.ClaimedUntil = nil
	if tr.ClaimUntil != nil {
		until := *tr.ClaimUntil
		c.ClaimedUntil = &until
	}
	return true, nil
}

// MockBudgetLedgerRepository implements repository.BudgetLedgerRepository for testing
type MockBudgetLedgerRepository struct {
	s *Store
}

func (m *MockBudgetLedgerRepository) HasLogged(ctx context.Context, campaignID, urlID int64) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	_, ok := m.s.ledger[campaignID][urlID]
	return ok, nil
}

func (m *MockBudgetLedgerRepository) Log(ctx context.Context, entry models.BudgetLedgerEntry) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.logLocked(entry), nil
}

func (s *Store) logLocked(entry models.BudgetLedgerEntry) bool {
	entries, ok := s.ledger[entry.CampaignID]
	if !ok {
		entries = make(map[int64]models.BudgetLedgerEntry)
		s.ledger[entry.CampaignID] = entries
	}
	if _, exists := entries[entry.URLID]; exists {
		return false
	}
	entries[entry.URLID] = entry
	return true
}

func (m *MockBudgetLedgerRepository) ClearCampaign(ctx context.Context, campaignID int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.ledger, campaignID)
	return nil
}

func (m *MockBudgetLedgerRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]models.BudgetLedgerEntry, error) {
	return m.s.LedgerEntries(campaignID), nil
}

func (m *MockBudgetLedgerRepository) CommitBudget(ctx context.Context, commit models.BudgetCommit) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if err := m.s.CommitErr; err != nil {
		m.s.CommitErr = nil
		return false, err
	}

	c, ok := m.s.campaigns[commit.CampaignID]
	if !ok || c.SpendState != commit.From || c.StateVersion != commit.Version {
		return false, nil
	}

	if c.SpendState != models.SpendStateBudgetUpdated {
		c.SpendStateChangedAt = commit.At
	}
	c.SpendState = models.SpendStateBudgetUpdated
	c.StateVersion++
	c.ClaimedUntil = nil
	budget := commit.Budget
	c.CurrentBudget = &budget
	if commit.SetCalcAt {
		at := commit.At
		c.BudgetCalcAt = &at
	}

	for _, e := range commit.Entries {
		m.s.logLocked(e)
		if u, ok := m.s.urls[e.URLID]; ok && u.BudgetAccountedAt == nil {
			at := commit.At
			u.BudgetAccountedAt = &at
		}
	}
	return true, nil
}

func (m *MockBudgetLedgerRepository) ResetCycle(ctx context.Context, tr models.SpendTransition) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.campaigns[tr.CampaignID]
	if !ok || c.SpendState != tr.From || c.StateVersion != tr.Version {
		return false, nil
	}
	c.SpendState = models.SpendStateLow
	c.StateVersion++
	if tr.ChangedAt != nil {
		c.SpendStateChangedAt = *tr.ChangedAt
	}
	c.BudgetCalcAt = nil
	c.CurrentBudget = nil
	c.ClaimedUntil = nil

	delete(m.s.ledger, tr.CampaignID)
	for _, u := range m.s.urls {
		if u.CampaignID == tr.CampaignID {
			u.BudgetAccountedAt = nil
		}
	}
	return true, nil
}

// MockMethodCounterRepository implements repository.MethodCounterRepository for testing
type MockMethodCounterRepository struct {
	s *Store
}

func (m *MockMethodCounterRepository) Increment(ctx context.Context, event *models.MethodUsageEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	byMethod, ok := m.s.counters[event.URLID]
	if !ok {
		byMethod = make(map[string]*models.RedirectMethodCounter)
		m.s.counters[event.URLID] = byMethod
	}
	counter, ok := byMethod[event.Method]
	if !ok {
		counter = &models.RedirectMethodCounter{URLID: event.URLID, Method: event.Method}
		byMethod[event.Method] = counter
	}
	counter.Count++
	counter.UpdatedAt = event.At
	return nil
}

func (m *MockMethodCounterRepository) GetByURL(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	out := make([]models.RedirectMethodCounter, 0, len(m.s.counters[urlID]))
	for _, c := range m.s.counters[urlID] {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b models.RedirectMethodCounter) int {
		switch {
		case a.Method < b.Method:
			return -1
		case a.Method > b.Method:
			return 1
		}
		return 0
	})
	return out, nil
}

// MockCampaignCache implements repository.CampaignCache for testing
type MockCampaignCache struct {
	mu      sync.RWMutex
	entries map[int64]*models.Campaign
	Hits    int
}

func NewMockCampaignCache() *MockCampaignCache {
	return &MockCampaignCache{entries: make(map[int64]*models.Campaign)}
}

func (m *MockCampaignCache) Get(ctx context.Context, id int64) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.entries[id]
	if !ok {
		return nil, ErrCacheMiss
	}
	m.Hits++
	return cloneCampaign(c), nil
}

func (m *MockCampaignCache) Set(ctx context.Context, campaign *models.Campaign, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (m *MockCampaignCache) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}
