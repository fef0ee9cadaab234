package admission

import "errors"

var (
	ErrNotFound     = errors.New("admission: not found")
	ErrConflict     = errors.New("admission: resource conflict")
	ErrInvalidInput = errors.New("admission: invalid input")

	// ErrAdminProtected guards ADMIN profiles against role changes and
	// deletion. There is deliberately no demotion path through this API.
	ErrAdminProtected = errors.New("admission: admin accounts cannot be modified")

	// ErrPartialUpdate reports that the allow-list write landed but the
	// ledger transition did not. The request remains visibly pending and
	// the operation is safe to retry.
	ErrPartialUpdate = errors.New("admission: allow-list updated but request still pending, retry")

	// ErrNotificationFailed distinguishes a failed invite email from a
	// data-layer failure; the invitation itself was recorded.
	ErrNotificationFailed = errors.New("admission: invitation stored but notification dispatch failed")

	// Invitation token terminal states, each implying a different next
	// action for the invitee.
	ErrInvitationInvalid  = errors.New("admission: invalid invitation token")
	ErrInvitationExpired  = errors.New("admission: invitation has expired")
	ErrInvitationAccepted = errors.New("admission: invitation already accepted")
)
