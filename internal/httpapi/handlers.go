package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, created, err := handler.wallet.Registry.GetOrCreate(requestCtx, accountID, request.ReferralCode)
	referralWarning := ""
	if errors.Is(err, wallet.ErrInvalidReferralCode) {
		_, code := statusForError(err)
		referralWarning = code
		err = nil
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	// The bonus is keyed by the referred account, so every call may settle it.
	if account.HasReferrer() {
		if _, err := handler.wallet.Commission.OnReferredSignup(requestCtx, account.ID); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response := gin.H{"account": toAccountPayload(account)}
	if referralWarning != "" {
		response["referral_warning"] = referralWarning
	}
	ctx.JSON(status, response)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if _, _, err := handler.wallet.Registry.GetOrCreate(requestCtx, accountID, ""); err != nil {
		handler.respondError(ctx, err)
		return
	}
	summary, err := handler.wallet.Projection.Summary(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toWalletPayload(summary))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	handler.respondWithHistory(ctx, accountID)
}

func (handler *httpHandler) handleListOwnWithdrawals(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	query, err := parseWithdrawalQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	query.AccountID = accountID
	handler.respondWithWithdrawals(ctx, query)
}

func (handler *httpHandler) handleRequestWithdrawal(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	var request withdrawalRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	input, err := withdrawalInput(accountID, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	withdrawal, err := handler.wallet.Withdrawals.Request(requestCtx, input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toWithdrawalPayload(withdrawal, 0))
}

func (handler *httpHandler) handlePurchaseCompleted(ctx *gin.Context) {
	var request purchaseCompletedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	purchaseID, err := wallet.NewRelatedEntityID(request.PurchaseID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	buyerID, err := wallet.NewAccountID(request.BuyerAccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := wallet.NewPositiveAmount(request.AmountMinor)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.wallet.Commission.OnPurchaseCompleted(requestCtx, purchaseID, buyerID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome.String()})
}

func (handler *httpHandler) handleWithdrawalDecided(ctx *gin.Context) {
	var request withdrawalDecidedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	requestID, err := wallet.NewWithdrawalID(request.RequestID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	decision, err := wallet.ParseDecision(request.Decision)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	withdrawal, err := handler.wallet.Withdrawals.Decide(requestCtx, requestID, decision, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("withdrawal decided",
		zap.String("request_id", requestID.String()),
		zap.String("decision", string(decision)),
		zap.String("decided_by", serviceSubject(ctx)),
	)
	ctx.JSON(http.StatusOK, toWithdrawalPayload(withdrawal, 0))
}

func (handler *httpHandler) handlePayoutConfirmed(ctx *gin.Context) {
	var request payoutConfirmedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	requestID, err := wallet.NewWithdrawalID(request.RequestID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	withdrawal, err := handler.wallet.Withdrawals.ConfirmCompletion(requestCtx, requestID, request.ExternalTransactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toWithdrawalPayload(withdrawal, 0))
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	adjustmentID, err := wallet.NewRelatedEntityID(request.AdjustmentID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	accountID, err := wallet.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entry, err := handler.wallet.Ledger.Adjust(requestCtx, adjustmentID, accountID, wallet.EntryAmount(request.AmountMinor), request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("manual adjustment",
		zap.String("account_id", accountID.String()),
		zap.Int64("amount_minor", request.AmountMinor),
		zap.String("adjusted_by", serviceSubject(ctx)),
	)
	ctx.JSON(http.StatusOK, toEntryPayload(entry, 0))
}

func (handler *httpHandler) handleAccountBalance(ctx *gin.Context) {
	accountID, err := wallet.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.wallet.Projection.CurrentBalance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{AccountID: accountID.String(), BalanceMinor: balance.Int64()})
}

func (handler *httpHandler) handleAccountTransactions(ctx *gin.Context) {
	accountID, err := wallet.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithHistory(ctx, accountID)
}

func (handler *httpHandler) handleListWithdrawals(ctx *gin.Context) {
	query, err := parseWithdrawalQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if raw := strings.TrimSpace(ctx.Query("account_id")); raw != "" {
		accountID, err := wallet.NewAccountID(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		query.AccountID = accountID
	}
	handler.respondWithWithdrawals(ctx, query)
}

func (handler *httpHandler) respondWithHistory(ctx *gin.Context, accountID wallet.AccountID) {
	cursor, err := wallet.ParseCursor(ctx.Query("cursor"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	page, err := handler.wallet.Projection.TransactionHistory(requestCtx, accountID, cursor, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toEntryPagePayload(page))
}

func (handler *httpHandler) respondWithWithdrawals(ctx *gin.Context, query wallet.WithdrawalQuery) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	page, err := handler.wallet.Projection.ListWithdrawals(requestCtx, query)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toWithdrawalPagePayload(page))
}

func (handler *httpHandler) sessionAccount(ctx *gin.Context) (wallet.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.AccountID{}, false
	}
	accountID, err := wallet.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return wallet.AccountID{}, false
	}
	return accountID, true
}

func withdrawalInput(accountID wallet.AccountID, request withdrawalRequestBody) (wallet.WithdrawalInput, error) {
	requestID, err := wallet.NewWithdrawalID(request.RequestID)
	if err != nil {
		return wallet.WithdrawalInput{}, err
	}
	amount, err := wallet.NewPositiveAmount(request.AmountMinor)
	if err != nil {
		return wallet.WithdrawalInput{}, err
	}
	method, err := wallet.ParsePayoutMethod(request.Method)
	if err != nil {
		return wallet.WithdrawalInput{}, err
	}
	rawDetails := string(request.PayoutDetails)
	if strings.TrimSpace(rawDetails) == "null" {
		rawDetails = ""
	}
	details, err := wallet.NewMetadataJSON(rawDetails)
	if err != nil {
		return wallet.WithdrawalInput{}, err
	}
	return wallet.WithdrawalInput{
		RequestID:     requestID,
		AccountID:     accountID,
		Amount:        amount,
		Method:        method,
		PayoutDetails: details,
	}, nil
}

// parseWithdrawalQuery reads status (repeated or comma separated), cursor and limit.
func parseWithdrawalQuery(ctx *gin.Context) (wallet.WithdrawalQuery, error) {
	var query wallet.WithdrawalQuery
	for _, rawList := range ctx.QueryArray("status") {
		for _, raw := range strings.Split(rawList, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			status, err := wallet.ParseWithdrawalStatus(raw)
			if err != nil {
				return wallet.WithdrawalQuery{}, err
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	cursor, err := wallet.ParseCursor(ctx.Query("cursor"))
	if err != nil {
		return wallet.WithdrawalQuery{}, err
	}
	query.Cursor = cursor
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		return wallet.WithdrawalQuery{}, err
	}
	query.Limit = limit
	return query, nil
}

func parseLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(trimmed)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit %q", wallet.ErrInvalidCursor, raw)
	}
	return limit, nil
}

func serviceSubject(ctx *gin.Context) string {
	claims := getServiceClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.Subject
}
