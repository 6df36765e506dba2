package app

import "errors"

var (
	ErrPhoneRequired        = errors.New("phone number required")
	ErrVerifyCodeRequired   = errors.New("verification code required")
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRole          = errors.New("role must be patient or doctor")

	ErrDescriptionRequired = errors.New("description required")
	ErrContentRequired     = errors.New("message content required")

	// ErrForbidden is returned when an authenticated user attempts an
	// action reserved for another participant.
	ErrForbidden = errors.New("forbidden")

	ErrAvatarStoreUnavailable = errors.New("avatar storage not configured")
)
