package domain

import "errors"

var (
	ErrContractNotFound     = errors.New("contract_not_found")
	ErrContractClosed       = errors.New("contract_closed")
	ErrContractNotAvailable = errors.New("contract_not_available")
	ErrInvalidStatus        = errors.New("invalid_contract_status")
	ErrInvalidTransition    = errors.New("invalid_contract_transition")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrDepositExceedsTotal  = errors.New("deposit_exceeds_total")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrTitleRequired        = errors.New("title_required")
	ErrClientRequired       = errors.New("client_required")

	ErrInvalidToken   = errors.New("invalid_signing_token")
	ErrTokenExpired   = errors.New("signing_token_expired")
	ErrTokenUsed      = errors.New("signing_token_used")
	ErrAlreadySigned  = errors.New("contract_already_signed")
	ErrSignerRequired = errors.New("signer_name_required")

	ErrSignatureInvalid  = errors.New("signature_invalid")
	ErrSignatureTooLarge = errors.New("signature_too_large")
	ErrSignatureType     = errors.New("signature_type_not_allowed")
)
