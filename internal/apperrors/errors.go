package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	WalletNotFound               Kind = "WALLET_NOT_FOUND"
	InsufficientBalance          Kind = "INSUFFICIENT_BALANCE"
	InvalidAmount                Kind = "INVALID_AMOUNT"
	InvalidEscrowParameters      Kind = "INVALID_ESCROW_PARAMETERS"
	EscrowNotFound               Kind = "ESCROW_NOT_FOUND"
	EscrowExists                 Kind = "ESCROW_EXISTS"
	EscrowAlreadyTerminal        Kind = "ESCROW_ALREADY_TERMINAL"
	VerificationFailed           Kind = "VERIFICATION_FAILED"
	ProviderNotFound             Kind = "PROVIDER_NOT_FOUND"
	ProviderDisabled             Kind = "PROVIDER_DISABLED"
	UserNotFound                 Kind = "USER_NOT_FOUND"
	UnsupportedCurrency          Kind = "UNSUPPORTED_CURRENCY"
	DuplicateExternalTransaction Kind = "DUPLICATE_EXTERNAL_TRANSACTION"
	TransactionNotFound          Kind = "TRANSACTION_NOT_FOUND"
	ConversionFailed             Kind = "CONVERSION_FAILED"
	FraudBlocked                 Kind = "FRAUD_DETECTED"
	InvalidInput                 Kind = "INVALID_INPUT"
	Internal                     Kind = "INTERNAL_ERROR"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, apperrors.ErrWalletNotFound)
// works regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrWalletNotFound          = &Error{Kind: WalletNotFound, Message: "wallet not found"}
	ErrInsufficientBalance     = &Error{Kind: InsufficientBalance, Message: "insufficient balance"}
	ErrInvalidAmount           = &Error{Kind: InvalidAmount, Message: "invalid amount"}
	ErrInvalidEscrowParameters = &Error{Kind: InvalidEscrowParameters, Message: "invalid escrow parameters"}
	ErrEscrowNotFound          = &Error{Kind: EscrowNotFound, Message: "escrow not found"}
	ErrEscrowExists            = &Error{Kind: EscrowExists, Message: "escrow already exists for work item"}
	ErrEscrowAlreadyTerminal   = &Error{Kind: EscrowAlreadyTerminal, Message: "escrow already processed"}
	ErrVerificationFailed      = &Error{Kind: VerificationFailed, Message: "verification failed"}
	ErrProviderNotFound        = &Error{Kind: ProviderNotFound, Message: "provider not configured"}
	ErrProviderDisabled        = &Error{Kind: ProviderDisabled, Message: "provider is not active"}
	ErrUserNotFound            = &Error{Kind: UserNotFound, Message: "user not found"}
	ErrUnsupportedCurrency     = &Error{Kind: UnsupportedCurrency, Message: "currency not supported by provider"}
	ErrDuplicate               = &Error{Kind: DuplicateExternalTransaction, Message: "transaction already processed"}
	ErrTransactionNotFound     = &Error{Kind: TransactionNotFound, Message: "transaction not found"}
	ErrConversionFailed        = &Error{Kind: ConversionFailed, Message: "currency conversion failed"}
	ErrFraudBlocked            = &Error{Kind: FraudBlocked, Message: "transaction blocked"}
	ErrInvalidInput            = &Error{Kind: InvalidInput, Message: "invalid input"}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func NewInternal(op string, err error) *Error {
	return &Error{Kind: Internal, Op: op, Message: "internal server error", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == Internal {
			return "internal server error"
		}
		return e.Message
	}
	return "internal server error"
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case WalletNotFound, EscrowNotFound, ProviderNotFound, ProviderDisabled, UserNotFound, TransactionNotFound:
		return http.StatusNotFound
	case InsufficientBalance, EscrowAlreadyTerminal, EscrowExists:
		return http.StatusConflict
	case InvalidAmount, InvalidEscrowParameters, InvalidInput, UnsupportedCurrency:
		return http.StatusBadRequest
	case VerificationFailed:
		return http.StatusUnauthorized
	case FraudBlocked:
		return http.StatusForbidden
	case ConversionFailed:
		return http.StatusServiceUnavailable
	case DuplicateExternalTransaction:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
