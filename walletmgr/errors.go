package walletmgr

import "errors"

var (
	// ErrFutureBlock is returned when a block does not build on the wallet
	// tip and is higher than it, which means blocks in between were
	// skipped.
	ErrFutureBlock = errors.New("block too far in the future has " +
		"arrived to the wallet")

	// ErrDoubleConfirmedSpend is returned when a confirmed transaction
	// spends an input that a different confirmed wallet transaction
	// already spends. Consensus rules out this case, so hitting it means
	// the wallet state is corrupt.
	ErrDoubleConfirmedSpend = errors.New("the same inputs were found in " +
		"two different confirmed transactions")

	// ErrWalletNotFound is returned for operations on an unknown wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrAccountNotFound is returned for operations on an unknown account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAddressNotFound is returned when an address is not part of any
	// loaded wallet.
	ErrAddressNotFound = errors.New("address not found")

	// ErrDuplicateName is returned when a wallet or account is registered
	// under a name that is already taken.
	ErrDuplicateName = errors.New("name already in use")
)
