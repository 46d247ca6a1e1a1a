package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

var validationErrors = []error{
	wallet.ErrInvalidAccountID,
	wallet.ErrInvalidRelatedEntityID,
	wallet.ErrInvalidWithdrawalID,
	wallet.ErrInvalidAmount,
	wallet.ErrInvalidEntryAmount,
	wallet.ErrInvalidEntryKind,
	wallet.ErrInvalidWithdrawalStatus,
	wallet.ErrInvalidPayoutMethod,
	wallet.ErrInvalidDecision,
	wallet.ErrInvalidMetadataJSON,
	wallet.ErrInvalidCursor,
	wallet.ErrMissingRejectionReason,
	wallet.ErrMissingExternalTxID,
}

// statusForError maps wallet errors onto an HTTP status and a stable error code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case lo.ContainsBy(validationErrors, func(target error) bool { return errors.Is(err, target) }):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, wallet.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, wallet.ErrWithdrawalNotFound):
		return http.StatusNotFound, "withdrawal_not_found"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, wallet.ErrBelowMinimum):
		return http.StatusUnprocessableEntity, "below_minimum"
	case errors.Is(err, wallet.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, wallet.ErrInvalidReferralCode):
		return http.StatusUnprocessableEntity, "invalid_referral_code"
	case errors.Is(err, wallet.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, wallet.ErrAccountConflict):
		return http.StatusConflict, "account_conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
