package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/absfi/presale/internal/auth"
	"github.com/absfi/presale/internal/gzip"
	"github.com/absfi/presale/internal/handler/config"
	"github.com/absfi/presale/internal/logger"
	"github.com/absfi/presale/internal/model"
	"github.com/absfi/presale/internal/service"
)

// Metrics
var (
	saleOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_sale_operations_total",
		Help: "Sale operations by kind and outcome",
	}, []string{"op", "outcome"})

	transfersIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_transfer_instructions_total",
		Help: "Transfer instructions returned to the dispatch layer",
	}, []string{"op"})
)

func Serve(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	return srv.ListenAndServe()
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/user/register", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Register, h.zaplog)))
	mux.HandleFunc("POST /api/user/login", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Login, h.zaplog)))

	mux.HandleFunc("POST /api/sales", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostSale), h.zaplog)))
	mux.HandleFunc("POST /api/sales/{id}/participate", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostParticipate), h.zaplog)))
	mux.HandleFunc("POST /api/sales/{id}/claim", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostClaim), h.zaplog)))
	mux.HandleFunc("POST /api/sales/{id}/refund", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostRefund), h.zaplog)))
	mux.HandleFunc("POST /api/sales/{id}/whitelist", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostWhitelist), h.zaplog)))

	mux.HandleFunc("GET /api/sales/{id}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetSale, h.zaplog)))
	mux.HandleFunc("GET /api/sales", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetSales, h.zaplog)))
	mux.HandleFunc("GET /api/sales/owner/{address}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetSalesOwner, h.zaplog)))
	mux.HandleFunc("GET /api/sales/{id}/progress/{address}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetProgress, h.zaplog)))

	mux.HandleFunc("GET /api/config", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetConfig, h.zaplog)))
	mux.HandleFunc("POST /api/config", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostConfig), h.zaplog)))

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func saleID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

func readJSON(r *http.Request, v any) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return err
	}
	return json.Unmarshal(buf.Bytes(), v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

// lifecycleStatus maps a service error to an HTTP status. Lifecycle and
// double-action rejections are conflicts, validation is unprocessable,
// authorization is forbidden.
func lifecycleStatus(err error) int {
	anyOf := func(targets ...error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	switch {
	case anyOf(service.ErrSaleNotFound, service.ErrParticipationNotFound):
		return http.StatusNotFound
	case anyOf(service.ErrNotStarted, service.ErrOngoing, service.ErrAlreadyEnded, service.ErrAlreadyFilled,
		service.ErrSaleFailed, service.ErrSaleSucceeded,
		service.ErrAlreadyClaimed, service.ErrAlreadyRefunded, service.ErrExcessAlreadySent,
		service.ErrTokenPending):
		return http.StatusConflict
	case anyOf(service.ErrCurrencyMismatch, service.ErrAccountCapExceeded, service.ErrExceedsSaleAmount,
		service.ErrInvalidSchedule, service.ErrInvalidCaps, service.ErrFeeMismatch):
		return http.StatusUnprocessableEntity
	case anyOf(service.ErrOwnerParticipation, service.ErrOnlySaleOwner, service.ErrNotWhitelisted, service.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type TransferJSONResponse struct {
	Recipient string `json:"recipient"`
	Denom     string `json:"denom"`
	Amount    uint64 `json:"amount"`
}

func transfersJSON(transfers []model.Transfer) []TransferJSONResponse {
	out := make([]TransferJSONResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, TransferJSONResponse{
			Recipient: t.Recipient,
			Denom:     t.Asset.Denom,
			Amount:    t.Asset.Amount,
		})
	}
	return out
}

type PostSaleJSONRequest struct {
	FeeDenom        string `json:"fee_denom"`
	FeeAmount       uint64 `json:"fee_amount"`
	Referrer        string `json:"referrer,omitempty"`
	Start           int64  `json:"start"`
	End             int64  `json:"end"`
	TokenSaleAmt    uint64 `json:"token_sale_amt"`
	Currency        string `json:"currency"`
	SoftCap         uint64 `json:"soft_cap"`
	HardCap         uint64 `json:"hard_cap"`
	AccountCap      uint64 `json:"account_cap,omitempty"`
	OwnerAllocation uint64 `json:"owner_allocation"`
	WhitelistEnd    int64  `json:"whitelist_end,omitempty"`
	TokenName       string `json:"token_name"`
	TokenSymbol     string `json:"token_symbol"`
	Project         string `json:"project"`
	Description     string `json:"description"`
	Marketing       string `json:"marketing"`
	Logo            string `json:"logo"`
}

type PostSaleJSONResponse struct {
	ID uint64 `json:"id"`
}

func (h *handler) PostSale(w http.ResponseWriter, r *http.Request) {
	var req PostSaleJSONRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	owner := r.Header.Get(auth.HeaderUserCodeKey)

	id, err := h.service.CreateSale(r.Context(), owner,
		model.Asset{Denom: req.FeeDenom, Amount: req.FeeAmount},
		model.SaleParams{
			Referrer:        req.Referrer,
			Start:           req.Start,
			End:             req.End,
			TokenSaleAmt:    req.TokenSaleAmt,
			Currency:        req.Currency,
			SoftCap:         req.SoftCap,
			HardCap:         req.HardCap,
			AccountCap:      req.AccountCap,
			OwnerAllocation: req.OwnerAllocation,
			WhitelistEnd:    req.WhitelistEnd,
			TokenName:       req.TokenName,
			TokenSymbol:     req.TokenSymbol,
			Project:         req.Project,
			Description:     req.Description,
			Marketing:       req.Marketing,
			Logo:            req.Logo,
		})
	if err != nil {
		saleOpsTotal.WithLabelValues("create", "rejected").Inc()
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}

	saleOpsTotal.WithLabelValues("create", "ok").Inc()
	writeJSON(w, http.StatusCreated, PostSaleJSONResponse{ID: id})
}

type PostParticipateJSONRequest struct {
	Denom        string `json:"denom"`
	Amount       uint64 `json:"amount"`
	AllowPartial bool   `json:"allow_partial"`
}

type TransfersJSONResponse struct {
	Transfers []TransferJSONResponse `json:"transfers"`
}

func (h *handler) PostParticipate(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req PostParticipateJSONRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	buyer := r.Header.Get(auth.HeaderUserCodeKey)

	transfers, err := h.service.Participate(r.Context(), id, buyer,
		model.Asset{Denom: req.Denom, Amount: req.Amount}, req.AllowPartial)
	if err != nil {
		saleOpsTotal.WithLabelValues("participate", "rejected").Inc()
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}

	saleOpsTotal.WithLabelValues("participate", "ok").Inc()
	transfersIssued.WithLabelValues("participate").Add(float64(len(transfers)))
	writeJSON(w, http.StatusOK, TransfersJSONResponse{Transfers: transfersJSON(transfers)})
}

func (h *handler) PostClaim(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller := r.Header.Get(auth.HeaderUserCodeKey)

	transfers, err := h.service.Claim(r.Context(), id, caller)
	if err != nil {
		saleOpsTotal.WithLabelValues("claim", "rejected").Inc()
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}

	saleOpsTotal.WithLabelValues("claim", "ok").Inc()
	transfersIssued.WithLabelValues("claim").Add(float64(len(transfers)))
	writeJSON(w, http.StatusOK, TransfersJSONResponse{Transfers: transfersJSON(transfers)})
}

func (h *handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller := r.Header.Get(auth.HeaderUserCodeKey)

	transfers, err := h.service.Refund(r.Context(), id, caller)
	if err != nil {
		saleOpsTotal.WithLabelValues("refund", "rejected").Inc()
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}

	saleOpsTotal.WithLabelValues("refund", "ok").Inc()
	transfersIssued.WithLabelValues("refund").Add(float64(len(transfers)))
	writeJSON(w, http.StatusOK, TransfersJSONResponse{Transfers: transfersJSON(transfers)})
}

type PostWhitelistJSONRequest struct {
	Accounts []string `json:"accounts"`
}

func (h *handler) PostWhitelist(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req PostWhitelistJSONRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Accounts) == 0 {
		http.Error(w, "no accounts", http.StatusBadRequest)
		return
	}

	caller := r.Header.Get(auth.HeaderUserCodeKey)

	if err := h.service.WhitelistAdd(r.Context(), id, caller, req.Accounts); err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type SaleJSONResponse struct {
	ID              uint64 `json:"id"`
	CreatedAt       int64  `json:"created_at"`
	Owner           string `json:"owner"`
	Referrer        string `json:"referrer,omitempty"`
	Start           int64  `json:"start"`
	End             int64  `json:"end"`
	TokenAddr       string `json:"token_addr"`
	TokenSaleAmt    uint64 `json:"token_sale_amt"`
	Currency        string `json:"currency"`
	SoftCap         uint64 `json:"soft_cap"`
	HardCap         uint64 `json:"hard_cap"`
	AccountCap      uint64 `json:"account_cap,omitempty"`
	OwnerAllocation uint64 `json:"owner_allocation"`
	WhitelistEnd    int64  `json:"whitelist_end,omitempty"`
	TokenName       string `json:"token_name"`
	TokenSymbol     string `json:"token_symbol"`
	Project         string `json:"project"`
	Description     string `json:"description"`
	Marketing       string `json:"marketing"`
	Logo            string `json:"logo"`
}

type ProgressJSONResponse struct {
	TokenSold    uint64 `json:"token_sold"`
	CurRaised    uint64 `json:"cur_raised"`
	TokenClaimed uint64 `json:"token_claimed"`
	ExcessSent   bool   `json:"excess_sent"`
	CurExcess    uint64 `json:"cur_excess"`
	TokenExcess  uint64 `json:"token_excess"`
}

type SaleViewJSONResponse struct {
	Sale     SaleJSONResponse     `json:"sale"`
	Progress ProgressJSONResponse `json:"progress"`
	Status   string               `json:"status"`
}

func saleViewJSON(view model.SaleView) SaleViewJSONResponse {
	s := view.Sale
	p := view.Progress
	return SaleViewJSONResponse{
		Sale: SaleJSONResponse{
			ID:              s.ID,
			CreatedAt:       s.CreatedAt,
			Owner:           s.Owner,
			Referrer:        s.Referrer,
			Start:           s.Start,
			End:             s.End,
			TokenAddr:       s.TokenAddr,
			TokenSaleAmt:    s.TokenSaleAmt,
			Currency:        s.Currency,
			SoftCap:         s.SoftCap,
			HardCap:         s.HardCap,
			AccountCap:      s.AccountCap,
			OwnerAllocation: s.OwnerAllocation,
			WhitelistEnd:    s.WhitelistEnd,
			TokenName:       s.TokenName,
			TokenSymbol:     s.TokenSymbol,
			Project:         s.Project,
			Description:     s.Description,
			Marketing:       s.Marketing,
			Logo:            s.Logo,
		},
		Progress: ProgressJSONResponse{
			TokenSold:    p.TokenSold,
			CurRaised:    p.CurRaised,
			TokenClaimed: p.TokenClaimed,
			ExcessSent:   p.ExcessSent,
			CurExcess:    p.CurExcess,
			TokenExcess:  p.TokenExcess,
		},
		Status: string(view.Status),
	}
}

func (h *handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	view, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, saleViewJSON(view))
}

func listQuery(r *http.Request) (startAfter uint64, limit uint64, ascending bool) {
	q := r.URL.Query()
	startAfter, _ = strconv.ParseUint(q.Get("start_after"), 10, 64)
	limit, _ = strconv.ParseUint(q.Get("limit"), 10, 64)
	ascending = q.Get("order") != "desc"
	return
}

type SalesJSONResponse struct {
	Sales []SaleViewJSONResponse `json:"sales"`
}

func salesJSON(views []model.SaleView) SalesJSONResponse {
	out := SalesJSONResponse{Sales: make([]SaleViewJSONResponse, 0, len(views))}
	for _, view := range views {
		out.Sales = append(out.Sales, saleViewJSON(view))
	}
	return out
}

func (h *handler) GetSales(w http.ResponseWriter, r *http.Request) {
	startAfter, limit, ascending := listQuery(r)

	views, err := h.service.ListSales(r.Context(), startAfter, limit, ascending)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, salesJSON(views))
}

func (h *handler) GetSalesOwner(w http.ResponseWriter, r *http.Request) {
	startAfter, limit, ascending := listQuery(r)

	views, err := h.service.ListSalesByOwner(r.Context(), r.PathValue("address"), startAfter, limit, ascending)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, salesJSON(views))
}

type ParticipationJSONResponse struct {
	TokenGot uint64 `json:"token_got"`
	CurSpent uint64 `json:"cur_spent"`
	Claimed  bool   `json:"is_claimed"`
	Refunded bool   `json:"is_refunded"`
}

func (h *handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	personal, err := h.service.GetParticipation(r.Context(), id, r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, ParticipationJSONResponse{
		TokenGot: personal.TokenGot,
		CurSpent: personal.CurSpent,
		Claimed:  personal.Claimed,
		Refunded: personal.Refunded,
	})
}

type ConfigJSON struct {
	MinSoftCap      uint64 `json:"min_soft_cap"`
	MinHardCap      uint64 `json:"min_hard_cap"`
	MinTokenSaleAmt uint64 `json:"min_token_sale_amt"`
	TokenCodeID     uint64 `json:"token_code_id"`
	FeePercent      uint64 `json:"fee_percent"`
}

func (h *handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetConfig(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ConfigJSON{
		MinSoftCap:      cfg.MinSoftCap,
		MinHardCap:      cfg.MinHardCap,
		MinTokenSaleAmt: cfg.MinTokenSaleAmt,
		TokenCodeID:     cfg.TokenCodeID,
		FeePercent:      cfg.FeePercent,
	})
}

func (h *handler) PostConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigJSON
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller := r.Header.Get(auth.HeaderUserCodeKey)

	err := h.service.UpdateConfig(r.Context(), caller, model.Config{
		MinSoftCap:      req.MinSoftCap,
		MinHardCap:      req.MinHardCap,
		MinTokenSaleAmt: req.MinTokenSaleAmt,
		TokenCodeID:     req.TokenCodeID,
		FeePercent:      req.FeePercent,
	})
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
