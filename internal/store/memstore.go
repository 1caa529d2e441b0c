package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/absfi/presale/internal/model"
)

// memStore keeps everything in maps. Used by the tests and as the
// storage backend when no database DSN is configured.
type memStore struct {
	mu sync.Mutex

	logins      map[string]memAccount
	nextAccount int

	config model.Config

	sales     map[uint64]model.Sale
	progress  map[uint64]model.SaleProgress
	parts     map[uint64]map[string]model.Participation
	whitelist map[uint64]map[string]bool
	byOwner   map[string][]uint64
	nextSale  uint64

	// one mutex per sale serializes SaleUpdate scopes, same as the
	// progress row lock does in Postgres
	saleMutex map[uint64]*sync.Mutex
}

type memAccount struct {
	account string
	hash    []byte
}

func NewMemStore() Store {
	return &memStore{
		logins:      make(map[string]memAccount),
		nextAccount: 1,
		sales:       make(map[uint64]model.Sale),
		progress:    make(map[uint64]model.SaleProgress),
		parts:       make(map[uint64]map[string]model.Participation),
		whitelist:   make(map[uint64]map[string]bool),
		byOwner:     make(map[string][]uint64),
		nextSale:    1,
		saleMutex:   make(map[uint64]*sync.Mutex),
	}
}

func (m *memStore) AuthRegister(_ context.Context, login string, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logins[login]; ok {
		return "", ErrAlreadyExists
	}
	account := strconv.Itoa(m.nextAccount)
	m.nextAccount++
	m.logins[login] = memAccount{account: account, hash: hash}
	return account, nil
}

func (m *memStore) AuthLogin(_ context.Context, login string, password string) (string, error) {
	m.mu.Lock()
	acc, ok := m.logins[login]
	m.mu.Unlock()

	if !ok {
		return "", ErrNoRows
	}
	if bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return "", ErrAuthFailed
	}
	return acc.account, nil
}

func (m *memStore) ConfigGet(_ context.Context) (model.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config, nil
}

func (m *memStore) ConfigPut(_ context.Context, cfg model.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	return nil
}

func (m *memStore) SaleCreate(_ context.Context, sale model.Sale) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale.ID = m.nextSale
	m.nextSale++
	m.sales[sale.ID] = sale
	m.progress[sale.ID] = model.SaleProgress{}
	m.byOwner[sale.Owner] = append(m.byOwner[sale.Owner], sale.ID)
	return sale.ID, nil
}

func (m *memStore) SaleGet(_ context.Context, id uint64) (model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[id]
	if !ok {
		return model.Sale{}, ErrNoRows
	}
	return sale, nil
}

func (m *memStore) SaleSetToken(_ context.Context, id uint64, tokenAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[id]
	if !ok {
		return ErrNoRows
	}
	sale.TokenAddr = tokenAddr
	m.sales[id] = sale
	return nil
}

func listWindow(ids []uint64, startAfter uint64, limit uint64, ascending bool) []uint64 {
	sorted := make([]uint64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if !ascending {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}

	var out []uint64
	for _, id := range sorted {
		if startAfter != 0 {
			if ascending && id <= startAfter {
				continue
			}
			if !ascending && id >= startAfter {
				continue
			}
		}
		out = append(out, id)
		if uint64(len(out)) == limit {
			break
		}
	}
	return out
}

func (m *memStore) SaleList(_ context.Context, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint64, 0, len(m.sales))
	for id := range m.sales {
		ids = append(ids, id)
	}
	var sales []model.Sale
	for _, id := range listWindow(ids, startAfter, limit, ascending) {
		sales = append(sales, m.sales[id])
	}
	return sales, nil
}

func (m *memStore) SaleListByOwner(_ context.Context, owner string, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sales []model.Sale
	for _, id := range listWindow(m.byOwner[owner], startAfter, limit, ascending) {
		sales = append(sales, m.sales[id])
	}
	return sales, nil
}

func (m *memStore) ProgressGet(_ context.Context, id uint64) (model.SaleProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[id]
	if !ok {
		return model.SaleProgress{}, ErrNoRows
	}
	return p, nil
}

func (m *memStore) ParticipationGet(_ context.Context, id uint64, account string) (model.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[id][account]
	if !ok {
		return model.Participation{}, ErrNoRows
	}
	return p, nil
}

func (m *memStore) WhitelistAdd(_ context.Context, id uint64, accounts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wl, ok := m.whitelist[id]
	if !ok {
		wl = make(map[string]bool)
		m.whitelist[id] = wl
	}
	for _, account := range accounts {
		wl[account] = true
	}
	return nil
}

func (m *memStore) SaleUpdate(_ context.Context, id uint64, fn func(tx SaleTx) error) error {
	m.mu.Lock()
	mutex, ok := m.saleMutex[id]
	if !ok {
		mutex = &sync.Mutex{}
		m.saleMutex[id] = mutex
	}
	m.mu.Unlock()

	// take the per-sale lock first, then snapshot: a scope must not
	// start from state another scope is about to overwrite
	mutex.Lock()
	defer mutex.Unlock()

	m.mu.Lock()
	sale, ok := m.sales[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoRows
	}
	progress, ok := m.progress[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sale %d has no progress entry: %w", id, ErrInconsistent)
	}
	m.mu.Unlock()

	st := &memSaleTx{
		store:    m,
		sale:     sale,
		progress: progress,
		parts:    make(map[string]model.Participation),
		found:    make(map[string]bool),
		dirty:    make(map[string]bool),
	}
	if err := fn(st); err != nil {
		return err
	}

	// commit
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.progressDirty {
		m.progress[id] = st.progress
	}
	for account, isDirty := range st.dirty {
		if !isDirty {
			continue
		}
		if m.parts[id] == nil {
			m.parts[id] = make(map[string]model.Participation)
		}
		m.parts[id][account] = st.parts[account]
	}
	return nil
}

type memSaleTx struct {
	store *memStore

	sale          model.Sale
	progress      model.SaleProgress
	progressDirty bool

	parts map[string]model.Participation
	found map[string]bool
	dirty map[string]bool
}

func (st *memSaleTx) Sale() model.Sale { return st.sale }

func (st *memSaleTx) Progress() model.SaleProgress { return st.progress }

func (st *memSaleTx) SetProgress(p model.SaleProgress) {
	st.progress = p
	st.progressDirty = true
}

func (st *memSaleTx) Participation(account string) (model.Participation, bool, error) {
	if _, ok := st.parts[account]; ok {
		return st.parts[account], st.found[account], nil
	}

	st.store.mu.Lock()
	p, ok := st.store.parts[st.sale.ID][account]
	st.store.mu.Unlock()

	st.parts[account] = p
	st.found[account] = ok
	return p, ok, nil
}

func (st *memSaleTx) SetParticipation(account string, p model.Participation) {
	st.parts[account] = p
	st.dirty[account] = true
}

func (st *memSaleTx) Whitelisted(account string) (bool, error) {
	st.store.mu.Lock()
	defer st.store.mu.Unlock()
	return st.store.whitelist[st.sale.ID][account], nil
}
