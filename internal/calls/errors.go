package calls

import (
	"errors"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/signaling"
)

var (
	// ErrMediaAcquisition means local capture or transport setup failed. Never retried.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrSignaling means a store read or write failed after its retry.
	ErrSignaling = errors.New("signaling failure")
	// ErrSessionNotPending means the session left pending before the operation landed.
	ErrSessionNotPending = errors.New("session is not pending")
	// ErrStaleSession means the session record no longer exists.
	ErrStaleSession = errors.New("session no longer exists")

	ErrBusy        = errors.New("already in a call")
	ErrCalleeBusy  = errors.New("callee is in another call")
	ErrNotParty    = errors.New("not a party to this session")
	ErrInvalidPeer = errors.New("invalid callee")
)

// storeError maps a store failure onto the package's sentinels
func storeError(op string, err error) error {
	var abort *signaling.AbortError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, signaling.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrStaleSession)
	case errors.As(err, &abort):
		return fmt.Errorf("%s: %w", op, abort.Err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrSignaling, err)
	}
}
