package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/payreq"
	"github.com/kumbupay/ledger-service/internal/rateio"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/kumbupay/ledger-service/internal/wallet"
	"github.com/shopspring/decimal"
)

// Services bundles everything the handlers delegate to.
type Services struct {
	Engine   *ledger.Engine
	Wallets  *wallet.Service
	Rateio   *rateio.Coordinator
	Requests *payreq.Service
	Repo     repo.RepositoryInterface
}

func RegisterHandlers(r *gin.Engine, s Services) {
	v1 := r.Group("/v1")
	{
		v1.POST("/transactions", executeHandler(s))
		v1.GET("/transactions/:reference", transactionHandler(s))

		v1.GET("/wallets/:id", walletHandler(s))
		v1.GET("/wallets/:id/balance", balanceHandler(s))
		v1.GET("/wallets/:id/history", historyHandler(s))
		v1.POST("/wallets/:id/default", setDefaultHandler(s))
		v1.PUT("/wallets/:id/pin", setPINHandler(s))

		v1.POST("/rateios", createRateioHandler(s))
		v1.GET("/rateios/:id", getRateioHandler(s))
		v1.POST("/rateios/recipients/:id/confirm", confirmRateioHandler(s, true))
		v1.POST("/rateios/recipients/:id/decline", confirmRateioHandler(s, false))

		v1.POST("/payment-requests", createRequestHandler(s))
		v1.GET("/payment-requests/:id", getRequestHandler(s))
		v1.POST("/payment-requests/:id/approve", approveRequestHandler(s))
		v1.POST("/payment-requests/:id/reject", rejectRequestHandler(s))
		v1.POST("/payment-requests/:id/cancel", cancelRequestHandler(s))
	}
}

// abortWith maps the error taxonomy onto HTTP statuses.
func abortWith(c *gin.Context, err error) {
	var ve *ledger.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, repo.ErrWalletNotFound),
		errors.Is(err, repo.ErrUserNotFound),
		errors.Is(err, repo.ErrUserInactive),
		errors.Is(err, repo.ErrNoDefaultWallet):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, repo.ErrInsufficientFunds),
		errors.Is(err, payreq.ErrTransferFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repo.ErrAlreadyDefault),
		errors.Is(err, repo.ErrWalletNotActive),
		errors.Is(err, rateio.ErrDuplicateRecipient),
		errors.Is(err, rateio.ErrSumMismatch),
		errors.Is(err, rateio.ErrNotProcessable),
		errors.Is(err, payreq.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, payreq.ErrExpired):
		status = http.StatusGone
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type txReq struct {
	Kind                string                 `json:"kind" binding:"required"`
	Amount              string                 `json:"amount" binding:"required"`
	Currency            string                 `json:"currency" binding:"required"`
	Description         string                 `json:"description"`
	SourceWalletID      *uint64                `json:"source_wallet_id"`
	SourceUserID        *uint64                `json:"source_user_id"`
	DestinationWalletID *uint64                `json:"destination_wallet_id"`
	DestinationUserID   *uint64                `json:"destination_user_id"`
	DestinationAlias    string                 `json:"destination_alias"`
	PIN                 string                 `json:"pin"`
	Metadata            map[string]interface{} `json:"metadata"`
	IdempotencyKey      string                 `json:"idempotency_key" binding:"required"`
}

func executeHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req txReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		rec, err := s.Engine.Execute(c, ledger.Request{
			Kind:           model.TxKind(req.Kind),
			Amount:         amt,
			Currency:       model.Currency(req.Currency),
			Description:    req.Description,
			SourceWalletID: req.SourceWalletID,
			SourceUserID:   req.SourceUserID,
			DestWalletID:   req.DestinationWalletID,
			DestUserID:     req.DestinationUserID,
			DestAlias:      req.DestinationAlias,
			PIN:            req.PIN,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func transactionHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := s.Repo.GetTransactionByReference(c, c.Param("reference"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func walletHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		w, err := s.Wallets.Get(c, id)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func balanceHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		cur := model.Currency(c.DefaultQuery("currency", string(model.CurrencyAOA)))
		bal, err := s.Wallets.GetBalance(c, id, cur)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "currency": cur})
	}
}

func historyHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := s.Wallets.History(c, id, limit, since)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

type userReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

func setDefaultHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req userReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Wallets.SetDefault(c, req.UserID, id); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"default_wallet_id": id})
	}
}

type pinReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
	PIN    string `json:"pin" binding:"required"`
}

func setPINHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req pinReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Wallets.SetPIN(c, req.UserID, id, req.PIN); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type rateioLegReq struct {
	WalletID uint64 `json:"wallet_id" binding:"required"`
	UserID   uint64 `json:"user_id" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

type rateioReq struct {
	SourceWalletID uint64         `json:"source_wallet_id" binding:"required"`
	SourceUserID   uint64         `json:"source_user_id" binding:"required"`
	TotalAmount    string         `json:"total_amount" binding:"required"`
	Currency       string         `json:"currency" binding:"required"`
	Description    string         `json:"description"`
	PIN            string         `json:"pin" binding:"required"`
	Legs           []rateioLegReq `json:"legs" binding:"required"`
	ScheduleAt     *time.Time     `json:"schedule_at"`
	RequireConfirm bool           `json:"require_confirmation"`
}

func createRateioHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rateioReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		total, err := decimal.NewFromString(req.TotalAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_amount"})
			return
		}
		legs := make([]rateio.Leg, 0, len(req.Legs))
		for _, l := range req.Legs {
			amt, err := decimal.NewFromString(l.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid leg amount"})
				return
			}
			legs = append(legs, rateio.Leg{WalletID: l.WalletID, UserID: l.UserID, Amount: amt})
		}
		split, err := s.Rateio.CreateSplit(c, rateio.CreateRequest{
			SourceWalletID: req.SourceWalletID,
			SourceUserID:   req.SourceUserID,
			TotalAmount:    total,
			Currency:       model.Currency(req.Currency),
			Description:    req.Description,
			PIN:            req.PIN,
			Legs:           legs,
			ScheduleAt:     req.ScheduleAt,
			RequireConfirm: req.RequireConfirm,
		})
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, split)
	}
}

func getRateioHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		split, err := s.Rateio.Get(c, id)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, split)
	}
}

func confirmRateioHandler(s Services, confirm bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req userReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var err error
		if confirm {
			err = s.Rateio.Confirm(c, id, req.UserID)
		} else {
			err = s.Rateio.Decline(c, id, req.UserID)
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type paymentRequestReq struct {
	RequesterID uint64     `json:"requester_id" binding:"required"`
	PayerID     *uint64    `json:"payer_id"`
	Amount      string     `json:"amount" binding:"required"`
	Currency    string     `json:"currency" binding:"required"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func createRequestHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentRequestReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		pr, err := s.Requests.Create(c, payreq.CreateRequest{
			RequesterID: req.RequesterID,
			PayerID:     req.PayerID,
			Amount:      amt,
			Currency:    model.Currency(req.Currency),
			Description: req.Description,
			Category:    req.Category,
			ExpiresAt:   req.ExpiresAt,
		})
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, pr)
	}
}

func getRequestHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		pr, err := s.Requests.Get(c, id)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, pr)
	}
}

type approveReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
	PIN    string `json:"pin" binding:"required"`
}

func approveRequestHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req approveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := s.Requests.Approve(c, id, req.UserID, req.PIN)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func rejectRequestHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req userReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Requests.Reject(c, id, req.UserID); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func cancelRequestHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req userReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Requests.Cancel(c, id, req.UserID); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
