package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

const Codespace = "oracle"

// Failure kinds. None of them stops the daemon.
var (
	ErrRegistration = errorsmod.Register(Codespace, 2, "oracle registration failed")
	ErrEventDecode  = errorsmod.Register(Codespace, 3, "failed to decode ledger event")
	ErrSubmission   = errorsmod.Register(Codespace, 4, "oracle response submission failed")
	ErrTransport    = errorsmod.Register(Codespace, 5, "ledger transport failure")
	ErrIndexLookup  = errorsmod.Register(Codespace, 6, "failed to fetch oracle indexes")
	ErrReverted     = errorsmod.Register(Codespace, 7, "ledger transaction reverted")
	ErrUnknownKey   = errorsmod.Register(Codespace, 8, "no signing key for account")
)

// Kind names the failure class of err for logs, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRegistration):
		return "registration"
	case errors.Is(err, ErrEventDecode):
		return "event_decode"
	case errors.Is(err, ErrSubmission):
		return "submission"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrIndexLookup):
		return "index_lookup"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	default:
		return "unknown"
	}
}
