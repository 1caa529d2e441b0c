package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/absfi/presale/internal/model"
	"github.com/absfi/presale/internal/service/config"
	"github.com/absfi/presale/internal/service/tokenfactory"
	"github.com/absfi/presale/internal/store"
)

// Service is the accounting core: it validates calls against the
// derived sale status, mutates progress and ledger state inside one
// atomic store scope, and returns the transfer instructions the caller
// must dispatch after commit.
type Service interface {
	CreateSale(ctx context.Context, owner string, fee model.Asset, params model.SaleParams) (uint64, error)
	Participate(ctx context.Context, saleID uint64, buyer string, cur model.Asset, allowPartial bool) ([]model.Transfer, error)
	Claim(ctx context.Context, saleID uint64, caller string) ([]model.Transfer, error)
	Refund(ctx context.Context, saleID uint64, caller string) ([]model.Transfer, error)
	WhitelistAdd(ctx context.Context, saleID uint64, caller string, accounts []string) error

	GetSale(ctx context.Context, saleID uint64) (model.SaleView, error)
	ListSales(ctx context.Context, startAfter uint64, limit uint64, ascending bool) ([]model.SaleView, error)
	ListSalesByOwner(ctx context.Context, owner string, startAfter uint64, limit uint64, ascending bool) ([]model.SaleView, error)
	GetParticipation(ctx context.Context, saleID uint64, account string) (model.Participation, error)

	GetConfig(ctx context.Context) (model.Config, error)
	UpdateConfig(ctx context.Context, caller string, cfg model.Config) error
}

var (
	// lifecycle
	ErrNotStarted    = errors.New("this sale is not started yet")
	ErrOngoing       = errors.New("this sale is currently ongoing")
	ErrAlreadyEnded  = errors.New("this sale is already ended")
	ErrAlreadyFilled = errors.New("this sale is already filled")
	ErrSaleFailed    = errors.New("this sale soft cap has not been reached, please refund instead")
	ErrSaleSucceeded = errors.New("this sale soft cap has been reached, please claim instead")

	// identity / authorization
	ErrSaleNotFound          = errors.New("sale not found")
	ErrOwnerParticipation    = errors.New("sale owner cannot participate")
	ErrOnlySaleOwner         = errors.New("only sale owner is authorized")
	ErrParticipationNotFound = errors.New("account's sale participation not found")
	ErrUnauthorized          = errors.New("unauthorized")

	// double actions
	ErrAlreadyClaimed    = errors.New("already claimed token")
	ErrAlreadyRefunded   = errors.New("already refunded currency")
	ErrExcessAlreadySent = errors.New("owner excess already sent")

	// input validation
	ErrCurrencyMismatch   = errors.New("currency token mismatched")
	ErrAccountCapExceeded = errors.New("token bought exceed maximum allowed per account")
	ErrNotWhitelisted     = errors.New("buyer address is not whitelisted")
	ErrExceedsSaleAmount  = errors.New("token bought exceed sale amount")
	ErrInvalidSchedule    = errors.New("invalid sale schedule")
	ErrInvalidCaps        = errors.New("invalid sale caps")
	ErrFeeMismatch        = errors.New("fee amount mismatched")
	ErrTokenPending       = errors.New("sale token contract is not provisioned yet")
)

type service struct {
	cfg     config.Config
	store   store.Store
	factory tokenfactory.Client
	zaplog  *zap.Logger
	now     func() time.Time
	poll    time.Duration
}

func NewService(cfg config.Config, store store.Store, zaplog *zap.Logger) Service {
	return &service{
		cfg:     cfg,
		store:   store,
		factory: tokenfactory.NewClient(cfg.FactoryAddr),
		zaplog:  zaplog,
		now:     time.Now,
		poll:    2 * time.Second,
	}
}

func (service *service) CreateSale(ctx context.Context, owner string, fee model.Asset, params model.SaleParams) (uint64, error) {
	cfg, err := service.store.ConfigGet(ctx)
	if err != nil {
		return 0, err
	}

	now := service.now().Unix()

	// schedule
	if params.End <= params.Start {
		return 0, ErrInvalidSchedule
	}
	if params.Start < now {
		return 0, ErrInvalidSchedule
	}

	// cap shape and config floors
	if params.SoftCap > params.HardCap {
		return 0, ErrInvalidCaps
	}
	if params.OwnerAllocation >= params.HardCap {
		return 0, ErrInvalidCaps
	}
	if params.SoftCap < cfg.MinSoftCap || params.HardCap < cfg.MinHardCap {
		return 0, ErrInvalidCaps
	}
	if params.TokenSaleAmt < cfg.MinTokenSaleAmt {
		return 0, ErrInvalidCaps
	}

	// creation fee, taken in the sale currency
	expectedFee := model.MultiplyRatio(params.HardCap, cfg.FeePercent, 100)
	if fee.Denom != params.Currency || fee.Amount != expectedFee {
		return 0, ErrFeeMismatch
	}

	sale := model.Sale{
		CreatedAt:       now,
		Owner:           owner,
		Referrer:        params.Referrer,
		Start:           params.Start,
		End:             params.End,
		TokenSaleAmt:    params.TokenSaleAmt,
		Currency:        params.Currency,
		SoftCap:         params.SoftCap,
		HardCap:         params.HardCap,
		AccountCap:      params.AccountCap,
		OwnerAllocation: params.OwnerAllocation,
		WhitelistEnd:    params.WhitelistEnd,
		TokenName:       params.TokenName,
		TokenSymbol:     params.TokenSymbol,
		Project:         params.Project,
		Description:     params.Description,
		Marketing:       params.Marketing,
		Logo:            params.Logo,
	}

	id, err := service.store.SaleCreate(ctx, sale)
	if err != nil {
		return 0, err
	}

	go service.provisionToken(id, owner, cfg.TokenCodeID, params)

	return id, nil
}

// provisionToken asks the factory for a new token contract and records
// its address once the asynchronous instantiation settles. Until then
// the sale stays queryable but not enterable.
func (service *service) provisionToken(saleID uint64, owner string, codeID uint64, params model.SaleParams) {
	ctx := context.Background()

	requestID, err := service.factory.Instantiate(tokenfactory.InstantiateRequest{
		CodeID:  codeID,
		Name:    params.TokenName,
		Symbol:  params.TokenSymbol,
		Owner:   owner,
		Supply:  params.HardCap,
		Project: params.Project,
		Logo:    params.Logo,
	})
	if err != nil {
		service.zaplog.Error("token instantiation request failed",
			zap.Uint64("sale", saleID),
			zap.Error(err))
		return
	}

	ticker := time.NewTicker(service.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			answer, err := service.factory.GetToken(requestID)
			if err != nil {
				service.zaplog.Error("token factory poll failed",
					zap.Uint64("sale", saleID),
					zap.Error(err))
				return
			}
			switch answer.Status {
			case tokenfactory.TokenStatusCreated:
				if err := service.store.SaleSetToken(ctx, saleID, answer.Address); err != nil {
					service.zaplog.Error("recording token address failed",
						zap.Uint64("sale", saleID),
						zap.Error(err))
				}
				return
			case tokenfactory.TokenStatusFailed:
				service.zaplog.Error("token instantiation failed",
					zap.Uint64("sale", saleID),
					zap.String("request", requestID))
				return
			default:
				// keep polling
			}
		}
	}
}

func (service *service) Participate(ctx context.Context, saleID uint64, buyer string, cur model.Asset, allowPartial bool) ([]model.Transfer, error) {
	var transfers []model.Transfer

	err := service.store.SaleUpdate(ctx, saleID, func(tx store.SaleTx) error {
		sale := tx.Sale()
		progress := tx.Progress()
		now := service.now().Unix()

		if cur.Denom != sale.Currency {
			return ErrCurrencyMismatch
		}
		if buyer == sale.Owner {
			return ErrOwnerParticipation
		}
		if sale.TokenAddr == "" {
			return ErrTokenPending
		}

		switch sale.Status(progress, now) {
		case model.SaleStatusNotStarted:
			return ErrNotStarted
		case model.SaleStatusFailed, model.SaleStatusEnded:
			return ErrAlreadyEnded
		case model.SaleStatusFilled:
			return ErrAlreadyFilled
		}

		tokenBought := model.MultiplyRatio(cur.Amount, sale.TokenSaleAmt, sale.PurchasableCap())

		// NOTE: the cap is checked against the sale-wide raised total,
		// not the buyer's own spent total
		if sale.AccountCap > 0 && cur.Amount+progress.CurRaised > sale.AccountCap {
			return ErrAccountCapExceeded
		}

		if sale.WhitelistEnd > 0 && sale.WhitelistEnd <= now {
			ok, err := tx.Whitelisted(buyer)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotWhitelisted
			}
		}

		personal, _, err := tx.Participation(buyer)
		if err != nil {
			return err
		}

		if tokenBought+progress.TokenSold > sale.TokenSaleAmt || cur.Amount+progress.CurRaised > sale.HardCap {
			if !allowPartial {
				return ErrExceedsSaleAmount
			}

			// clamp to remaining capacity and return the rest
			ptTokenBought := sale.TokenSaleAmt - progress.TokenSold
			ptCurSpent := sale.PurchasableCap() - progress.CurRaised

			progress.TokenSold += ptTokenBought
			progress.CurRaised += ptCurSpent
			personal.TokenGot += ptTokenBought
			personal.CurSpent += ptCurSpent

			tx.SetProgress(progress)
			tx.SetParticipation(buyer, personal)

			transfers = append(transfers, model.Transfer{
				Recipient: buyer,
				Asset:     model.Asset{Denom: cur.Denom, Amount: cur.Amount - ptCurSpent},
			})
			return nil
		}

		progress.TokenSold += tokenBought
		progress.CurRaised += cur.Amount
		personal.TokenGot += tokenBought
		personal.CurSpent += cur.Amount

		tx.SetProgress(progress)
		tx.SetParticipation(buyer, personal)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return transfers, nil
}

func (service *service) Claim(ctx context.Context, saleID uint64, caller string) ([]model.Transfer, error) {
	var transfers []model.Transfer

	err := service.store.SaleUpdate(ctx, saleID, func(tx store.SaleTx) error {
		sale := tx.Sale()
		progress := tx.Progress()

		switch sale.Status(progress, service.now().Unix()) {
		case model.SaleStatusNotStarted:
			return ErrNotStarted
		case model.SaleStatusOngoing:
			return ErrOngoing
		case model.SaleStatusFailed:
			return ErrSaleFailed
		}

		// Ended or Filled: both settlement legs pay out the sale token
		if sale.TokenAddr == "" {
			return ErrTokenPending
		}

		if caller == sale.Owner {
			if progress.ExcessSent {
				return ErrExcessAlreadySent
			}
			progress.ExcessSent = true
			tx.SetProgress(progress)

			transfers = append(transfers,
				model.Transfer{Recipient: caller, Asset: sale.TokenAsset(sale.OwnerAllocation)},
				model.Transfer{Recipient: caller, Asset: sale.CurrencyAsset(progress.CurRaised)})
			return nil
		}

		personal, found, err := tx.Participation(caller)
		if err != nil {
			return err
		}
		if !found {
			return ErrParticipationNotFound
		}
		if personal.Claimed {
			return ErrAlreadyClaimed
		}
		if personal.Refunded {
			return ErrAlreadyRefunded
		}

		personal.Claimed = true
		progress.TokenClaimed += personal.TokenGot
		tx.SetParticipation(caller, personal)
		tx.SetProgress(progress)

		transfers = append(transfers,
			model.Transfer{Recipient: caller, Asset: sale.TokenAsset(personal.TokenGot)})
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return transfers, nil
}

func (service *service) Refund(ctx context.Context, saleID uint64, caller string) ([]model.Transfer, error) {
	var transfers []model.Transfer

	err := service.store.SaleUpdate(ctx, saleID, func(tx store.SaleTx) error {
		sale := tx.Sale()
		progress := tx.Progress()

		switch sale.Status(progress, service.now().Unix()) {
		case model.SaleStatusNotStarted:
			return ErrNotStarted
		case model.SaleStatusOngoing:
			return ErrOngoing
		case model.SaleStatusEnded, model.SaleStatusFilled:
			return ErrSaleSucceeded
		}

		if caller == sale.Owner {
			// the whole unsold supply goes back to the owner
			if progress.ExcessSent {
				return ErrExcessAlreadySent
			}
			if sale.TokenAddr == "" {
				return ErrTokenPending
			}

			progress.ExcessSent = true
			progress.TokenExcess = sale.TokenSaleAmt
			tx.SetProgress(progress)

			transfers = append(transfers,
				model.Transfer{Recipient: caller, Asset: sale.TokenAsset(sale.TokenSaleAmt)})
			return nil
		}

		personal, found, err := tx.Participation(caller)
		if err != nil {
			return err
		}
		if !found {
			return ErrParticipationNotFound
		}
		if personal.Claimed {
			return ErrAlreadyClaimed
		}
		if personal.Refunded {
			return ErrAlreadyRefunded
		}

		personal.Refunded = true
		tx.SetParticipation(caller, personal)

		transfers = append(transfers,
			model.Transfer{Recipient: caller, Asset: sale.CurrencyAsset(personal.CurSpent)})
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return transfers, nil
}

func (service *service) WhitelistAdd(ctx context.Context, saleID uint64, caller string, accounts []string) error {
	sale, err := service.store.SaleGet(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrSaleNotFound
		}
		return err
	}
	if caller != sale.Owner {
		return ErrOnlySaleOwner
	}
	return service.store.WhitelistAdd(ctx, saleID, accounts)
}

func (service *service) saleView(ctx context.Context, sale model.Sale, now int64) (model.SaleView, error) {
	progress, err := service.store.ProgressGet(ctx, sale.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.SaleView{}, fmt.Errorf("sale %d has no progress: %w", sale.ID, store.ErrInconsistent)
		}
		return model.SaleView{}, err
	}
	return model.SaleView{
		Sale:     sale,
		Progress: progress,
		Status:   sale.Status(progress, now),
	}, nil
}

func (service *service) GetSale(ctx context.Context, saleID uint64) (model.SaleView, error) {
	sale, err := service.store.SaleGet(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.SaleView{}, ErrSaleNotFound
		}
		return model.SaleView{}, err
	}
	return service.saleView(ctx, sale, service.now().Unix())
}

// default page size for listings
const defaultListLimit = 30

func (service *service) listViews(ctx context.Context, sales []model.Sale) ([]model.SaleView, error) {
	now := service.now().Unix()
	var views []model.SaleView
	for _, sale := range sales {
		view, err := service.saleView(ctx, sale, now)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (service *service) ListSales(ctx context.Context, startAfter uint64, limit uint64, ascending bool) ([]model.SaleView, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	sales, err := service.store.SaleList(ctx, startAfter, limit, ascending)
	if err != nil {
		return nil, err
	}
	return service.listViews(ctx, sales)
}

func (service *service) ListSalesByOwner(ctx context.Context, owner string, startAfter uint64, limit uint64, ascending bool) ([]model.SaleView, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	sales, err := service.store.SaleListByOwner(ctx, owner, startAfter, limit, ascending)
	if err != nil {
		return nil, err
	}
	return service.listViews(ctx, sales)
}

func (service *service) GetParticipation(ctx context.Context, saleID uint64, account string) (model.Participation, error) {
	personal, err := service.store.ParticipationGet(ctx, saleID, account)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			// absent entry reads as the zero record
			return model.Participation{}, nil
		}
		return model.Participation{}, err
	}
	return personal, nil
}

func (service *service) GetConfig(ctx context.Context) (model.Config, error) {
	return service.store.ConfigGet(ctx)
}

func (service *service) UpdateConfig(ctx context.Context, caller string, cfg model.Config) error {
	if caller != service.cfg.AdminAccount {
		return ErrUnauthorized
	}
	return service.store.ConfigPut(ctx, cfg)
}
