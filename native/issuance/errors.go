package issuance

import "errors"

var (
	errNilState = errors.New("issuance engine: state not configured")

	ErrTokenNotEnabled      = errors.New("issuance engine: token not enabled")
	ErrCallerNotManager     = errors.New("issuance engine: caller is not the token manager")
	ErrModuleNotPending     = errors.New("issuance engine: module not pending on token")
	ErrModuleNotInitialized = errors.New("issuance engine: module not initialized on token")
	ErrZeroQuantity         = errors.New("issuance engine: quantity must be positive")
	ErrMaxFeeTooHigh        = errors.New("issuance engine: max manager fee exceeds 100%")
	ErrFeeExceedsMaximum    = errors.New("issuance engine: manager fee exceeds configured maximum")
	ErrInvalidRecipient     = errors.New("issuance engine: fee recipient required")

	ErrArrayLengthMismatch = errors.New("issuance engine: checked components and amounts length mismatch")
	ErrDuplicateComponent  = errors.New("issuance engine: duplicate checked component")
	ErrComponentNotFound   = errors.New("issuance engine: checked component not part of the token")
	ErrSlippageExceeded    = errors.New("issuance engine: component flow outside caller bound")

	ErrTransferShortfall      = errors.New("issuance engine: transfer delivered less than the required flow")
	ErrDebtSettlementVariance = errors.New("issuance engine: debt module settled a different amount than required")
	ErrUnauthorizedModule     = errors.New("issuance engine: module not enabled for hook dispatch")
	ErrDebtWithoutModule      = errors.New("issuance engine: debt flow has no governing module")

	ErrAdjustmentMakesPositionNegative = errors.New("issuance engine: hook adjustment drives position negative")
)
