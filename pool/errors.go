package pool

import "errors"

var (
	// ErrValidation covers bad amounts, unsupported denominations and
	// inactive pools. Raised before any proof or network work starts.
	ErrValidation = errors.New("pool: validation failed")

	// ErrNetwork covers unreachable broadcast or chain reads after the
	// retry budget is spent.
	ErrNetwork = errors.New("pool: network unreachable")

	// ErrStillPending means the transaction was broadcast but inclusion
	// was not observed within the confirmation budget. The operation is
	// not failed; poll again later.
	ErrStillPending = errors.New("pool: confirmation still pending")

	// ErrProofVerification means a freshly generated proof failed the
	// local self-check. Never retried with the same inputs.
	ErrProofVerification = errors.New("pool: proof failed verification")

	// ErrUnknownDeposit means the deposit id has no local record.
	ErrUnknownDeposit = errors.New("pool: unknown deposit")

	// ErrNotSpendable means the deposit is not in the spendable state.
	ErrNotSpendable = errors.New("pool: deposit not spendable")
)
