package wallet

const (
	operationAppend             = "append"
	operationAdjust             = "adjust"
	operationCreateAccount      = "create_account"
	operationRefreshCache       = "refresh_balance_cache"
	operationPurchaseCommission = "purchase_commission"
	operationSignupBonus        = "signup_bonus"
	operationRequestWithdrawal  = "request_withdrawal"
	operationDecideWithdrawal   = "decide_withdrawal"
	operationConfirmWithdrawal  = "confirm_withdrawal"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	referralCodeLength       = 8
	referralCodeCharset      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeMaxAttempts  = 5
	defaultHistoryPageSize   = 50
	maxHistoryPageSize       = 200
	metadataKeyReason        = "reason"
	metadataKeyExternalTxID  = "external_transaction_id"
	metadataKeyPurchaseTotal = "purchase_amount_minor"
	metadataKeyBuyer         = "buyer_account_id"
	metadataKeyReferred      = "referred_account_id"
	metadataKeyMethod        = "method"
)
