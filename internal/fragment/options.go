// Package fragment implements the fragmentation/transfer protocol:
// a per-message sender and receiver state machine that decomposes an
// oversized packet into sized fragments, transfers them with selective
// re-send, optionally verifies fragment equality end-to-end, and
// reassembles (spec §4.5, §4.6).
package fragment

import (
	"errors"
	"time"
)

// ErrInvalidOptions is returned by Options.Validate when a configured
// bound is out of range (spec §4.7, §7 "configuration").
var ErrInvalidOptions = errors.New("fragment: invalid options")

// Options bundles the fragmentation protocol's tunable parameters. It
// is a plain struct: NewDefaultOptions supplies the defaults and callers
// set fields directly (there are no option funcs).
type Options struct {
	// MaximumFragmentAge bounds how long the external marshal should
	// let a stalled entry live before timing it out. The fragment
	// engines themselves never consult it directly (spec §4.7).
	MaximumFragmentAge time.Duration
	// SplitSize is the maximum fragment body size in bytes.
	SplitSize int
	// EmptySendsTillForced is the number of consecutive idle outbound
	// polls a receiver entry tolerates before forcing completion/retry.
	EmptySendsTillForced int
	// VerifyResponses requires a MessageResponse's body to be treated
	// as meaningful (as opposed to an empty ack).
	VerifyResponses bool
	// EqualityVerifyFragments enables the sender's equality-
	// verification loop. Only effective when VerifyResponses is true.
	EqualityVerifyFragments bool
}

// NewDefaultOptions returns the spec's default bundle (§4.7).
func NewDefaultOptions() *Options {
	return &Options{
		MaximumFragmentAge:      30 * time.Second,
		SplitSize:               448,
		EmptySendsTillForced:    2,
		VerifyResponses:         false,
		EqualityVerifyFragments: false,
	}
}

// Validate raises ErrInvalidOptions if any bound is violated (spec
// §4.7: MaximumFragmentAge >= 2s, SplitSize >= 1, EmptySendsTillForced
// >= 1, EqualityVerifyFragments only effective with VerifyResponses).
func (o *Options) Validate() error {
	if o.MaximumFragmentAge < 2*time.Second {
		return ErrInvalidOptions
	}
	if o.SplitSize < 1 {
		return ErrInvalidOptions
	}
	if o.EmptySendsTillForced < 1 {
		return ErrInvalidOptions
	}
	return nil
}

// effectiveEqualityVerify reports whether the equality-verification
// loop is actually active, honouring the "only effective when
// VerifyResponses is true" rule without mutating the bundle.
func (o *Options) effectiveEqualityVerify() bool {
	return o.VerifyResponses && o.EqualityVerifyFragments
}
