package domain

import "errors"

// Auth errors.
var (
	// ErrInvalidCredentials covers wrong, expired, or never-issued
	// verification codes. Kept generic to avoid account enumeration.
	ErrInvalidCredentials = errors.New("incorrect phone number or verification code")

	// ErrRoleMismatch is returned when a phone number already registered
	// under one role attempts to log in under the other.
	ErrRoleMismatch = errors.New("phone number is registered under a different role")

	ErrExpiredToken = errors.New("access token expired")
	ErrInvalidToken = errors.New("invalid access token")

	// ErrRevokedToken covers refresh tokens that were already rotated,
	// explicitly invalidated by logout, or revoked after replay detection.
	ErrRevokedToken = errors.New("refresh token revoked")
)

// Consultation errors.
var (
	ErrNotFound          = errors.New("consultation not found")
	ErrInvalidTransition = errors.New("transition not legal from current state")

	// ErrAlreadyClaimed is the expected outcome for every losing claimant;
	// it never indicates a fault.
	ErrAlreadyClaimed = errors.New("consultation already claimed by another doctor")

	ErrConsultationClosed      = errors.New("consultation is closed")
	ErrConsultationUnavailable = errors.New("consultation is not pending")
)

// Stream errors.
var (
	// ErrSubscriberOverflow closes a subscription whose delivery buffer
	// filled up. The log retains full history, so the client recovers by
	// reconnecting with its last delivered sequence.
	ErrSubscriberOverflow = errors.New("subscriber delivery buffer overflow")
	ErrDisconnected       = errors.New("subscriber disconnected")
)
