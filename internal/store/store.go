package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"github.com/absfi/presale/internal/model"
	"github.com/absfi/presale/internal/store/config"
)

// Store is the persistence boundary of the presale service. Point reads
// and listings are plain methods; every mutation of one sale's
// accounting state goes through SaleUpdate, which commits atomically.
type Store interface {
	AuthRegister(ctx context.Context, login string, password string) (string, error)
	AuthLogin(ctx context.Context, login string, password string) (string, error)

	ConfigGet(ctx context.Context) (model.Config, error)
	ConfigPut(ctx context.Context, cfg model.Config) error

	SaleCreate(ctx context.Context, sale model.Sale) (uint64, error)
	SaleGet(ctx context.Context, id uint64) (model.Sale, error)
	SaleSetToken(ctx context.Context, id uint64, tokenAddr string) error
	SaleList(ctx context.Context, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error)
	SaleListByOwner(ctx context.Context, owner string, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error)

	ProgressGet(ctx context.Context, id uint64) (model.SaleProgress, error)
	ParticipationGet(ctx context.Context, id uint64, account string) (model.Participation, error)

	WhitelistAdd(ctx context.Context, id uint64, accounts []string) error

	SaleUpdate(ctx context.Context, id uint64, fn func(tx SaleTx) error) error
}

// SaleTx is the atomic mutation scope for one sale. Reads observe the
// state as of the start of the scope, writes land together with the
// commit or not at all. Implementations serialize concurrent scopes on
// the same sale, so no lost update is possible between two calls.
type SaleTx interface {
	Sale() model.Sale
	Progress() model.SaleProgress
	SetProgress(p model.SaleProgress)
	Participation(account string) (model.Participation, bool, error)
	SetParticipation(account string, p model.Participation)
	Whitelisted(account string) (bool, error)
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
	ErrAuthFailed    = errors.New("wrong password")
	// ErrInconsistent marks state that violates a storage invariant,
	// e.g. a sale record without its progress row. Not recoverable.
	ErrInconsistent = errors.New("inconsistent sale state")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// user accounts
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS auth (" +
			" login VARCHAR (40) PRIMARY KEY," +
			" account SERIAL UNIQUE," +
			" password VARCHAR (100) NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// global sale-creation settings, single row
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS config (" +
			" id SMALLINT PRIMARY KEY," +
			" min_soft_cap BIGINT NOT NULL," +
			" min_hard_cap BIGINT NOT NULL," +
			" min_token_sale_amt BIGINT NOT NULL," +
			" token_code_id BIGINT NOT NULL," +
			" fee_percent BIGINT NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(
		"INSERT INTO config (id, min_soft_cap, min_hard_cap, min_token_sale_amt, token_code_id, fee_percent)" +
			" VALUES (1, 0, 0, 0, 0, 0)" +
			" ON CONFLICT (id) DO NOTHING;")
	if err != nil {
		return nil, err
	}

	// sale terms. Immutable after creation except token_addr, which the
	// factory callback fills in once.
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS sale (" +
			" id BIGSERIAL PRIMARY KEY," +
			" created_at BIGINT NOT NULL," +
			" owner VARCHAR (40) NOT NULL," +
			" referrer VARCHAR (40) NOT NULL," +
			" start_at BIGINT NOT NULL," +
			" end_at BIGINT NOT NULL," +
			" token_addr VARCHAR (80) NOT NULL," +
			" token_sale_amt BIGINT NOT NULL," +
			" currency VARCHAR (80) NOT NULL," +
			" soft_cap BIGINT NOT NULL," +
			" hard_cap BIGINT NOT NULL," +
			" account_cap BIGINT NOT NULL," +
			" owner_allocation BIGINT NOT NULL," +
			" whitelist_end BIGINT NOT NULL," +
			" token_name VARCHAR (60) NOT NULL," +
			" token_symbol VARCHAR (20) NOT NULL," +
			" project TEXT NOT NULL," +
			" description TEXT NOT NULL," +
			" marketing TEXT NOT NULL," +
			" logo TEXT NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}
	// owner index for the by-owner listing
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS sale_owner_idx ON sale (owner, id);")
	if err != nil {
		return nil, err
	}

	// cumulative counters, one row per sale. The row lock on this table
	// serializes all mutations of one sale.
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS sale_progress (" +
			" sale_id BIGINT PRIMARY KEY," +
			" token_sold BIGINT NOT NULL," +
			" cur_raised BIGINT NOT NULL," +
			" token_claimed BIGINT NOT NULL," +
			" excess_sent BOOLEAN NOT NULL," +
			" cur_excess BIGINT NOT NULL," +
			" token_excess BIGINT NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// per-(sale, account) ledger entries
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS participation (" +
			" sale_id BIGINT," +
			" account VARCHAR (40)," +
			" token_got BIGINT NOT NULL," +
			" cur_spent BIGINT NOT NULL," +
			" claimed BOOLEAN NOT NULL," +
			" refunded BOOLEAN NOT NULL," +
			" PRIMARY KEY (sale_id, account)" +
			" );")
	if err != nil {
		return nil, err
	}

	// whitelist membership
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS whitelist (" +
			" sale_id BIGINT," +
			" account VARCHAR (40)," +
			" PRIMARY KEY (sale_id, account)" +
			" );")
	if err != nil {
		return nil, err
	}

	return &store{database: db}, nil
}

func (store *store) AuthRegister(ctx context.Context, login string, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	row := store.database.QueryRowContext(ctx,
		"INSERT INTO auth (login, password)"+
			" VALUES ($1, $2)"+
			" RETURNING account",
		login,
		string(hash))

	var account int
	err = row.Scan(&account)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrAlreadyExists
		}
		return "", err
	}

	return strconv.Itoa(account), nil
}

func (store *store) AuthLogin(ctx context.Context, login string, password string) (string, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT account, password FROM auth"+
			" WHERE login = $1",
		login)
	var (
		account int
		hash    string
	)
	err := row.Scan(&account, &hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNoRows
		}
		return "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrAuthFailed
	}

	return strconv.Itoa(account), nil
}

func (store *store) ConfigGet(ctx context.Context) (model.Config, error) {
	var cfg model.Config
	row := store.database.QueryRowContext(ctx,
		"SELECT min_soft_cap, min_hard_cap, min_token_sale_amt, token_code_id, fee_percent"+
			" FROM config WHERE id = 1")
	var minSoft, minHard, minAmt, codeID, fee int64
	if err := row.Scan(&minSoft, &minHard, &minAmt, &codeID, &fee); err != nil {
		return model.Config{}, err
	}
	cfg.MinSoftCap = uint64(minSoft)
	cfg.MinHardCap = uint64(minHard)
	cfg.MinTokenSaleAmt = uint64(minAmt)
	cfg.TokenCodeID = uint64(codeID)
	cfg.FeePercent = uint64(fee)
	return cfg, nil
}

func (store *store) ConfigPut(ctx context.Context, cfg model.Config) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE config"+
			" SET min_soft_cap = $1, min_hard_cap = $2, min_token_sale_amt = $3, token_code_id = $4, fee_percent = $5"+
			" WHERE id = 1",
		int64(cfg.MinSoftCap),
		int64(cfg.MinHardCap),
		int64(cfg.MinTokenSaleAmt),
		int64(cfg.TokenCodeID),
		int64(cfg.FeePercent))
	return err
}

func (store *store) SaleCreate(ctx context.Context, sale model.Sale) (uint64, error) {
	// sale record and its zero progress are created in one transaction
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"INSERT INTO sale (created_at, owner, referrer, start_at, end_at, token_addr,"+
			" token_sale_amt, currency, soft_cap, hard_cap, account_cap, owner_allocation, whitelist_end,"+
			" token_name, token_symbol, project, description, marketing, logo)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)"+
			" RETURNING id",
		sale.CreatedAt,
		sale.Owner,
		sale.Referrer,
		sale.Start,
		sale.End,
		sale.TokenAddr,
		int64(sale.TokenSaleAmt),
		sale.Currency,
		int64(sale.SoftCap),
		int64(sale.HardCap),
		int64(sale.AccountCap),
		int64(sale.OwnerAllocation),
		sale.WhitelistEnd,
		sale.TokenName,
		sale.TokenSymbol,
		sale.Project,
		sale.Description,
		sale.Marketing,
		sale.Logo)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO sale_progress (sale_id, token_sold, cur_raised, token_claimed, excess_sent, cur_excess, token_excess)"+
			" VALUES ($1, 0, 0, 0, FALSE, 0, 0)",
		id)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

const saleColumns = "id, created_at, owner, referrer, start_at, end_at, token_addr," +
	" token_sale_amt, currency, soft_cap, hard_cap, account_cap, owner_allocation, whitelist_end," +
	" token_name, token_symbol, project, description, marketing, logo"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (model.Sale, error) {
	var sale model.Sale
	var id, tokenSaleAmt, softCap, hardCap, accountCap, ownerAlloc int64
	err := row.Scan(
		&id,
		&sale.CreatedAt,
		&sale.Owner,
		&sale.Referrer,
		&sale.Start,
		&sale.End,
		&sale.TokenAddr,
		&tokenSaleAmt,
		&sale.Currency,
		&softCap,
		&hardCap,
		&accountCap,
		&ownerAlloc,
		&sale.WhitelistEnd,
		&sale.TokenName,
		&sale.TokenSymbol,
		&sale.Project,
		&sale.Description,
		&sale.Marketing,
		&sale.Logo)
	if err != nil {
		return model.Sale{}, err
	}
	sale.ID = uint64(id)
	sale.TokenSaleAmt = uint64(tokenSaleAmt)
	sale.SoftCap = uint64(softCap)
	sale.HardCap = uint64(hardCap)
	sale.AccountCap = uint64(accountCap)
	sale.OwnerAllocation = uint64(ownerAlloc)
	return sale, nil
}

func (store *store) SaleGet(ctx context.Context, id uint64) (model.Sale, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+saleColumns+" FROM sale WHERE id = $1",
		int64(id))
	sale, err := scanSale(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Sale{}, ErrNoRows
		}
		return model.Sale{}, err
	}
	return sale, nil
}

func (store *store) SaleSetToken(ctx context.Context, id uint64, tokenAddr string) error {
	res, err := store.database.ExecContext(ctx,
		"UPDATE sale SET token_addr = $1 WHERE id = $2",
		tokenAddr,
		int64(id))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoRows
	}
	return nil
}

func (store *store) saleListQuery(ctx context.Context, where string, args []any, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error) {
	order := " ORDER BY id"
	if ascending {
		args = append(args, int64(startAfter))
		where += fmt.Sprintf(" AND id > $%d", len(args))
	} else {
		args = append(args, int64(startAfter))
		where += fmt.Sprintf(" AND ($%d = 0 OR id < $%d)", len(args), len(args))
		order += " DESC"
	}
	args = append(args, int64(limit))

	rows, err := store.database.QueryContext(ctx,
		"SELECT "+saleColumns+" FROM sale WHERE "+where+order+fmt.Sprintf(" LIMIT $%d", len(args)),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []model.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (store *store) SaleList(ctx context.Context, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error) {
	return store.saleListQuery(ctx, "TRUE", nil, startAfter, limit, ascending)
}

func (store *store) SaleListByOwner(ctx context.Context, owner string, startAfter uint64, limit uint64, ascending bool) ([]model.Sale, error) {
	return store.saleListQuery(ctx, "owner = $1", []any{owner}, startAfter, limit, ascending)
}

const progressColumns = "token_sold, cur_raised, token_claimed, excess_sent, cur_excess, token_excess"

func scanProgress(row rowScanner) (model.SaleProgress, error) {
	var p model.SaleProgress
	var sold, raised, claimed, curExcess, tokenExcess int64
	err := row.Scan(&sold, &raised, &claimed, &p.ExcessSent, &curExcess, &tokenExcess)
	if err != nil {
		return model.SaleProgress{}, err
	}
	p.TokenSold = uint64(sold)
	p.CurRaised = uint64(raised)
	p.TokenClaimed = uint64(claimed)
	p.CurExcess = uint64(curExcess)
	p.TokenExcess = uint64(tokenExcess)
	return p, nil
}

func (store *store) ProgressGet(ctx context.Context, id uint64) (model.SaleProgress, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM sale_progress WHERE sale_id = $1",
		int64(id))
	p, err := scanProgress(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.SaleProgress{}, ErrNoRows
		}
		return model.SaleProgress{}, err
	}
	return p, nil
}

const participationColumns = "token_got, cur_spent, claimed, refunded"

func scanParticipation(row rowScanner) (model.Participation, error) {
	var p model.Participation
	var got, spent int64
	err := row.Scan(&got, &spent, &p.Claimed, &p.Refunded)
	if err != nil {
		return model.Participation{}, err
	}
	p.TokenGot = uint64(got)
	p.CurSpent = uint64(spent)
	return p, nil
}

func (store *store) ParticipationGet(ctx context.Context, id uint64, account string) (model.Participation, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+participationColumns+" FROM participation WHERE sale_id = $1 AND account = $2",
		int64(id),
		account)
	p, err := scanParticipation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Participation{}, ErrNoRows
		}
		return model.Participation{}, err
	}
	return p, nil
}

func (store *store) WhitelistAdd(ctx context.Context, id uint64, accounts []string) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, account := range accounts {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO whitelist (sale_id, account) VALUES ($1, $2)"+
				" ON CONFLICT (sale_id, account) DO NOTHING",
			int64(id),
			account)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (store *store) SaleUpdate(ctx context.Context, id uint64, fn func(tx SaleTx) error) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+saleColumns+" FROM sale WHERE id = $1",
		int64(id))
	sale, err := scanSale(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNoRows
		}
		return err
	}

	// the progress row lock serializes every mutation of this sale
	row = tx.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM sale_progress WHERE sale_id = $1 FOR UPDATE",
		int64(id))
	progress, err := scanProgress(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("sale %d has no progress row: %w", id, ErrInconsistent)
		}
		return err
	}

	st := &saleTx{
		ctx:      ctx,
		tx:       tx,
		sale:     sale,
		progress: progress,
		parts:    make(map[string]model.Participation),
		found:    make(map[string]bool),
		dirty:    make(map[string]bool),
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := st.flush(); err != nil {
		return err
	}
	return tx.Commit()
}

type saleTx struct {
	ctx context.Context
	tx  *sql.Tx

	sale          model.Sale
	progress      model.SaleProgress
	progressDirty bool

	parts map[string]model.Participation
	found map[string]bool
	dirty map[string]bool
}

func (st *saleTx) Sale() model.Sale { return st.sale }

func (st *saleTx) Progress() model.SaleProgress { return st.progress }

func (st *saleTx) SetProgress(p model.SaleProgress) {
	st.progress = p
	st.progressDirty = true
}

func (st *saleTx) Participation(account string) (model.Participation, bool, error) {
	if _, ok := st.parts[account]; ok {
		return st.parts[account], st.found[account], nil
	}

	row := st.tx.QueryRowContext(st.ctx,
		"SELECT "+participationColumns+" FROM participation WHERE sale_id = $1 AND account = $2 FOR UPDATE",
		int64(st.sale.ID),
		account)
	p, err := scanParticipation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			st.parts[account] = model.Participation{}
			st.found[account] = false
			return model.Participation{}, false, nil
		}
		return model.Participation{}, false, err
	}
	st.parts[account] = p
	st.found[account] = true
	return p, true, nil
}

func (st *saleTx) SetParticipation(account string, p model.Participation) {
	st.parts[account] = p
	st.dirty[account] = true
}

func (st *saleTx) Whitelisted(account string) (bool, error) {
	var exists bool
	err := st.tx.QueryRowContext(st.ctx,
		"SELECT EXISTS(SELECT 1 FROM whitelist WHERE sale_id = $1 AND account = $2)",
		int64(st.sale.ID),
		account).Scan(&exists)
	return exists, err
}

func (st *saleTx) flush() error {
	if st.progressDirty {
		_, err := st.tx.ExecContext(st.ctx,
			"UPDATE sale_progress"+
				" SET token_sold = $1, cur_raised = $2, token_claimed = $3, excess_sent = $4, cur_excess = $5, token_excess = $6"+
				" WHERE sale_id = $7",
			int64(st.progress.TokenSold),
			int64(st.progress.CurRaised),
			int64(st.progress.TokenClaimed),
			st.progress.ExcessSent,
			int64(st.progress.CurExcess),
			int64(st.progress.TokenExcess),
			int64(st.sale.ID))
		if err != nil {
			return err
		}
	}
	for account, isDirty := range st.dirty {
		if !isDirty {
			continue
		}
		p := st.parts[account]
		_, err := st.tx.ExecContext(st.ctx,
			"INSERT INTO participation (sale_id, account, token_got, cur_spent, claimed, refunded)"+
				" VALUES ($1, $2, $3, $4, $5, $6)"+
				" ON CONFLICT (sale_id, account) DO UPDATE"+
				" SET token_got = EXCLUDED.token_got, cur_spent = EXCLUDED.cur_spent,"+
				" claimed = EXCLUDED.claimed, refunded = EXCLUDED.refunded",
			int64(st.sale.ID),
			account,
			int64(p.TokenGot),
			int64(p.CurSpent),
			p.Claimed,
			p.Refunded)
		if err != nil {
			return err
		}
	}
	return nil
}
