package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/absfi/presale/internal/model"
	"github.com/absfi/presale/internal/service/config"
	"github.com/absfi/presale/internal/service/tokenfactory"
	"github.com/absfi/presale/internal/store"
)

type fakeFactory struct {
	addr string
}

func (f fakeFactory) Instantiate(_ tokenfactory.InstantiateRequest) (string, error) {
	return "req-1", nil
}

func (f fakeFactory) GetToken(requestID string) (tokenfactory.TokenAnswer, error) {
	return tokenfactory.TokenAnswer{
		RequestID: requestID,
		Status:    tokenfactory.TokenStatusCreated,
		Address:   f.addr,
	}, nil
}

// newTestService wires the engine over the in-memory store with a
// settable clock and a factory stub.
func newTestService(st store.Store, nowUnix int64) *service {
	return &service{
		cfg:     config.Config{AdminAccount: "admin"},
		store:   st,
		factory: fakeFactory{addr: "token1"},
		zaplog:  zap.NewNop(),
		now:     func() time.Time { return time.Unix(nowUnix, 0) },
		poll:    time.Millisecond,
	}
}

func (service *service) setNow(nowUnix int64) {
	service.now = func() time.Time { return time.Unix(nowUnix, 0) }
}

// 1000 tokens over a 100-currency window, so 10 tokens per currency unit
func testSale() model.Sale {
	return model.Sale{
		Owner:        "owner",
		Start:        1000,
		End:          2000,
		TokenAddr:    "token1",
		TokenSaleAmt: 1000,
		Currency:     "uusd",
		SoftCap:      60,
		HardCap:      100,
	}
}

func seedSale(t *testing.T, st store.Store, sale model.Sale) uint64 {
	t.Helper()
	id, err := st.SaleCreate(context.Background(), sale)
	require.NoError(t, err)
	return id
}

func uusd(amount uint64) model.Asset {
	return model.Asset{Denom: "uusd", Amount: amount}
}

func TestParticipate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	transfers, err := svc.Participate(ctx, id, "alice", uusd(30), false)
	require.NoError(t, err)
	assert.Empty(t, transfers)

	progress, err := st.ProgressGet(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), progress.TokenSold)
	assert.Equal(t, uint64(30), progress.CurRaised)

	personal, err := svc.GetParticipation(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), personal.TokenGot)
	assert.Equal(t, uint64(30), personal.CurSpent)

	// second purchase accumulates on the same record
	_, err = svc.Participate(ctx, id, "alice", uusd(20), false)
	require.NoError(t, err)

	personal, err = svc.GetParticipation(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), personal.TokenGot)
	assert.Equal(t, uint64(50), personal.CurSpent)
}

func TestParticipatePartialFill(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	_, err := svc.Participate(ctx, id, "alice", uusd(50), false)
	require.NoError(t, err)

	// 50 currency of capacity remains; 60 without partial is rejected
	_, err = svc.Participate(ctx, id, "bob", uusd(60), false)
	require.ErrorIs(t, err, ErrExceedsSaleAmount)

	// with partial the purchase clamps to the remainder and the
	// unspent 10 comes back
	transfers, err := svc.Participate(ctx, id, "bob", uusd(60), true)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "bob", transfers[0].Recipient)
	assert.Equal(t, uusd(10), transfers[0].Asset)

	personal, err := svc.GetParticipation(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), personal.TokenGot)
	assert.Equal(t, uint64(50), personal.CurSpent)

	view, err := svc.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), view.Progress.TokenSold)
	assert.Equal(t, uint64(100), view.Progress.CurRaised)
	assert.Equal(t, model.SaleStatusFilled, view.Status)

	// nothing left to buy
	_, err = svc.Participate(ctx, id, "carol", uusd(1), true)
	require.ErrorIs(t, err, ErrAlreadyFilled)
}

func TestParticipateRejections(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	pending := testSale()
	pending.TokenAddr = ""
	pendingID := seedSale(t, st, pending)

	tests := []struct {
		name    string
		saleID  uint64
		nowUnix int64
		buyer   string
		cur     model.Asset
		want    error
	}{
		{"unknown sale", 99, 1500, "alice", uusd(10), ErrSaleNotFound},
		{"wrong currency", id, 1500, "alice", model.Asset{Denom: "uatom", Amount: 10}, ErrCurrencyMismatch},
		{"owner buying own sale", id, 1500, "owner", uusd(10), ErrOwnerParticipation},
		{"token not provisioned", pendingID, 1500, "alice", uusd(10), ErrTokenPending},
		{"before start", id, 900, "alice", uusd(10), ErrNotStarted},
		{"after end", id, 2100, "alice", uusd(10), ErrAlreadyEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.setNow(tt.nowUnix)
			_, err := svc.Participate(ctx, tt.saleID, tt.buyer, tt.cur, false)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParticipateAccountCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)

	sale := testSale()
	sale.AccountCap = 50
	id := seedSale(t, st, sale)

	_, err := svc.Participate(ctx, id, "alice", uusd(30), false)
	require.NoError(t, err)

	// the cap counts the sale-wide raised total, so bob is blocked by
	// alice's spending even though he has bought nothing yet
	_, err = svc.Participate(ctx, id, "bob", uusd(30), false)
	require.ErrorIs(t, err, ErrAccountCapExceeded)

	_, err = svc.Participate(ctx, id, "bob", uusd(20), false)
	require.NoError(t, err)
}

func TestParticipateWhitelist(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1200)

	sale := testSale()
	sale.WhitelistEnd = 1500
	id := seedSale(t, st, sale)

	require.NoError(t, svc.WhitelistAdd(ctx, id, "owner", []string{"alice"}))

	// open phase: anyone can enter before the whitelist gate closes
	_, err := svc.Participate(ctx, id, "bob", uusd(10), false)
	require.NoError(t, err)

	svc.setNow(1500)
	_, err = svc.Participate(ctx, id, "bob", uusd(10), false)
	require.ErrorIs(t, err, ErrNotWhitelisted)

	_, err = svc.Participate(ctx, id, "alice", uusd(10), false)
	require.NoError(t, err)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)

	sale := testSale()
	sale.OwnerAllocation = 20
	id := seedSale(t, st, sale)

	// 1000 tokens over 80 purchasable currency: 12 tokens each
	_, err := svc.Participate(ctx, id, "alice", uusd(40), false)
	require.NoError(t, err)
	_, err = svc.Participate(ctx, id, "bob", uusd(30), false)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, id, "alice")
	require.ErrorIs(t, err, ErrOngoing)

	svc.setNow(2100) // past end, 70 raised >= 60 soft cap

	_, err = svc.Claim(ctx, 99, "alice")
	require.ErrorIs(t, err, ErrSaleNotFound)
	_, err = svc.Claim(ctx, id, "carol")
	require.ErrorIs(t, err, ErrParticipationNotFound)

	transfers, err := svc.Claim(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "alice", transfers[0].Recipient)
	assert.Equal(t, model.Asset{Denom: "token1", Amount: 500}, transfers[0].Asset)

	_, err = svc.Claim(ctx, id, "alice")
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	// owner settlement: allocation tokens plus the raised currency
	transfers, err = svc.Claim(ctx, id, "owner")
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, model.Asset{Denom: "token1", Amount: 20}, transfers[0].Asset)
	assert.Equal(t, uusd(70), transfers[1].Asset)

	_, err = svc.Claim(ctx, id, "owner")
	require.ErrorIs(t, err, ErrExcessAlreadySent)

	progress, err := st.ProgressGet(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), progress.TokenClaimed)
	assert.True(t, progress.ExcessSent)
}

func TestClaimOnFailedSale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	_, err := svc.Participate(ctx, id, "alice", uusd(30), false)
	require.NoError(t, err)

	svc.setNow(2100) // 30 raised < 60 soft cap
	_, err = svc.Claim(ctx, id, "alice")
	require.ErrorIs(t, err, ErrSaleFailed)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	_, err := svc.Participate(ctx, id, "alice", uusd(30), false)
	require.NoError(t, err)

	_, err = svc.Refund(ctx, id, "alice")
	require.ErrorIs(t, err, ErrOngoing)

	svc.setNow(2100) // failed: 30 < 60 soft cap

	transfers, err := svc.Refund(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, uusd(30), transfers[0].Asset)

	_, err = svc.Refund(ctx, id, "alice")
	require.ErrorIs(t, err, ErrAlreadyRefunded)

	_, err = svc.Refund(ctx, id, "bob")
	require.ErrorIs(t, err, ErrParticipationNotFound)

	// the owner takes the whole unsold supply back, once
	transfers, err = svc.Refund(ctx, id, "owner")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.Asset{Denom: "token1", Amount: 1000}, transfers[0].Asset)

	_, err = svc.Refund(ctx, id, "owner")
	require.ErrorIs(t, err, ErrExcessAlreadySent)

	progress, err := st.ProgressGet(ctx, id)
	require.NoError(t, err)
	assert.True(t, progress.ExcessSent)
	assert.Equal(t, uint64(1000), progress.TokenExcess)
}

func TestRefundOnSucceededSale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	_, err := svc.Participate(ctx, id, "alice", uusd(70), false)
	require.NoError(t, err)

	svc.setNow(2100) // ended, 70 >= 60 soft cap
	_, err = svc.Refund(ctx, id, "alice")
	require.ErrorIs(t, err, ErrSaleSucceeded)
}

func TestRefundAfterClaimFlag(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 2100)
	id := seedSale(t, st, testSale())

	// a claimed record never refunds, whatever state it got into
	err := st.SaleUpdate(ctx, id, func(tx store.SaleTx) error {
		tx.SetParticipation("alice", model.Participation{TokenGot: 100, CurSpent: 10, Claimed: true})
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Refund(ctx, id, "alice")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimAfterRefundFlag(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 2100)
	id := seedSale(t, st, testSale())

	// a refunded record never claims, even though the sale reads as
	// ended now; the terminal flags stay mutually exclusive
	err := st.SaleUpdate(ctx, id, func(tx store.SaleTx) error {
		p := tx.Progress()
		p.TokenSold = 700
		p.CurRaised = 70
		tx.SetProgress(p)
		tx.SetParticipation("alice", model.Participation{TokenGot: 700, CurSpent: 70, Refunded: true})
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, id, "alice")
	require.ErrorIs(t, err, ErrAlreadyRefunded)

	personal, err := svc.GetParticipation(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, personal.Claimed)
	assert.True(t, personal.Refunded)
}

// every currency unit sent in comes back out exactly once, either as
// raised total to the owner or as a refund to a buyer
func TestCurrencyConservation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	contributed := uint64(0)
	refunded := uint64(0)

	for _, buy := range []struct {
		buyer  string
		amount uint64
	}{{"alice", 40}, {"bob", 30}, {"carol", 45}} {
		transfers, err := svc.Participate(ctx, id, buy.buyer, uusd(buy.amount), true)
		require.NoError(t, err)
		contributed += buy.amount
		for _, tr := range transfers {
			refunded += tr.Asset.Amount
		}
	}

	svc.setNow(2100)
	transfers, err := svc.Claim(ctx, id, "owner")
	require.NoError(t, err)

	ownerCurrency := uint64(0)
	for _, tr := range transfers {
		if tr.Asset.Denom == "uusd" {
			ownerCurrency += tr.Asset.Amount
		}
	}
	assert.Equal(t, contributed, ownerCurrency+refunded)
}

func TestCreateSale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 500)

	require.NoError(t, st.ConfigPut(ctx, model.Config{
		MinSoftCap:      10,
		MinHardCap:      50,
		MinTokenSaleAmt: 100,
		TokenCodeID:     7,
		FeePercent:      5,
	}))

	params := model.SaleParams{
		Start:        1000,
		End:          2000,
		TokenSaleAmt: 1000,
		Currency:     "uusd",
		SoftCap:      60,
		HardCap:      100,
		TokenName:    "Test Token",
		TokenSymbol:  "TST",
	}

	id, err := svc.CreateSale(ctx, "owner", uusd(5), params) // 100 * 5%
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	view, err := svc.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "owner", view.Sale.Owner)
	assert.Equal(t, model.SaleStatusNotStarted, view.Status)
}

func TestCreateSaleValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 500)

	require.NoError(t, st.ConfigPut(ctx, model.Config{
		MinSoftCap:      10,
		MinHardCap:      50,
		MinTokenSaleAmt: 100,
		FeePercent:      5,
	}))

	valid := model.SaleParams{
		Start:        1000,
		End:          2000,
		TokenSaleAmt: 1000,
		Currency:     "uusd",
		SoftCap:      60,
		HardCap:      100,
	}

	tests := []struct {
		name   string
		mutate func(p *model.SaleParams)
		fee    model.Asset
		want   error
	}{
		{"end before start", func(p *model.SaleParams) { p.End = 900 }, uusd(5), ErrInvalidSchedule},
		{"start in the past", func(p *model.SaleParams) { p.Start = 400 }, uusd(5), ErrInvalidSchedule},
		{"soft cap above hard cap", func(p *model.SaleParams) { p.SoftCap = 200 }, uusd(5), ErrInvalidCaps},
		{"owner allocation swallows hard cap", func(p *model.SaleParams) { p.OwnerAllocation = 100 }, uusd(5), ErrInvalidCaps},
		{"soft cap below floor", func(p *model.SaleParams) { p.SoftCap = 5; p.HardCap = 100 }, uusd(5), ErrInvalidCaps},
		{"sale amount below floor", func(p *model.SaleParams) { p.TokenSaleAmt = 50 }, uusd(5), ErrInvalidCaps},
		{"fee too small", nil, uusd(4), ErrFeeMismatch},
		{"fee in wrong denom", nil, model.Asset{Denom: "uatom", Amount: 5}, ErrFeeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			if tt.mutate != nil {
				tt.mutate(&params)
			}
			_, err := svc.CreateSale(ctx, "owner", tt.fee, params)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvisionToken(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 500)
	id := seedSale(t, st, model.Sale{Owner: "owner"})

	svc.provisionToken(id, "owner", 7, model.SaleParams{TokenName: "Test", TokenSymbol: "TST"})

	sale, err := st.SaleGet(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "token1", sale.TokenAddr)
}

func TestWhitelistAdd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 500)
	id := seedSale(t, st, testSale())

	require.ErrorIs(t, svc.WhitelistAdd(ctx, 99, "owner", []string{"alice"}), ErrSaleNotFound)
	require.ErrorIs(t, svc.WhitelistAdd(ctx, id, "mallory", []string{"mallory"}), ErrOnlySaleOwner)
	require.NoError(t, svc.WhitelistAdd(ctx, id, "owner", []string{"alice", "bob"}))
}

func TestListSales(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)

	for i := 0; i < 3; i++ {
		sale := testSale()
		if i == 2 {
			sale.Owner = "other"
		}
		seedSale(t, st, sale)
	}

	views, err := svc.ListSales(ctx, 0, 0, true)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, uint64(1), views[0].Sale.ID)
	assert.Equal(t, model.SaleStatusOngoing, views[0].Status)

	views, err = svc.ListSales(ctx, 1, 0, true)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, uint64(2), views[0].Sale.ID)

	views, err = svc.ListSales(ctx, 0, 2, false)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, uint64(3), views[0].Sale.ID)

	views, err = svc.ListSalesByOwner(ctx, "other", 0, 0, true)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, uint64(3), views[0].Sale.ID)
}

func TestGetParticipationAbsent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 1500)
	id := seedSale(t, st, testSale())

	personal, err := svc.GetParticipation(ctx, id, "nobody")
	require.NoError(t, err)
	assert.Equal(t, model.Participation{}, personal)
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc := newTestService(st, 500)

	cfg := model.Config{MinSoftCap: 10, FeePercent: 3}

	require.ErrorIs(t, svc.UpdateConfig(ctx, "mallory", cfg), ErrUnauthorized)
	require.NoError(t, svc.UpdateConfig(ctx, "admin", cfg))

	got, err := svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
