// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package commit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"dtrex.org/xchbridge/dtx"
)

// Commitment amount bounds, in mojos. The backend enforces the same bounds
// in commitment_create_pending; checking here keeps invalid amounts off the
// network entirely.
const (
	MinCommitmentMojos uint64 = 1000
	MaxCommitmentMojos uint64 = 10 * 1e12 // 10 XCH
)

// Fee validation failures. All are caught before any network call.
const (
	ErrNoFee       = dtx.ErrorKind("commitment fee not set")
	ErrBadRate     = dtx.ErrorKind("exchange rate unavailable or invalid")
	ErrFeeTooSmall = dtx.ErrorKind("fee below minimum commitment amount")
	ErrFeeTooLarge = dtx.ErrorKind("fee above maximum commitment amount")
)

// FeeMojos converts a reference-currency fee to mojos at the given
// USD-per-XCH rate, flooring the result, and validates it against the
// commitment bounds.
func FeeMojos(feeUSD, rate float64) (uint64, error) {
	if feeUSD <= 0 {
		return 0, dtx.NewError(ErrNoFee, fmt.Sprintf("fee %.2f USD", feeUSD))
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, dtx.NewError(ErrBadRate, fmt.Sprintf("rate %v", rate))
	}
	mojos := uint64(math.Floor(feeUSD / rate * float64(dtx.MojosPerXCH)))
	if mojos < MinCommitmentMojos {
		return 0, dtx.NewError(ErrFeeTooSmall, fmt.Sprintf("%d < %d mojos", mojos, MinCommitmentMojos))
	}
	if mojos > MaxCommitmentMojos {
		return 0, dtx.NewError(ErrFeeTooLarge, fmt.Sprintf("%d > %d mojos", mojos, MaxCommitmentMojos))
	}
	return mojos, nil
}

// userIDFromMemo extracts the user id from a backend-issued commitment memo
// of the form DTREX-COMMIT-{tradeID}-{userID}. The transaction list covers
// both trade participants, so the memo identifies which records are ours.
func userIDFromMemo(memo string) (int64, error) {
	parts := strings.Split(memo, "-")
	if len(parts) != 4 || parts[0] != "DTREX" || parts[1] != "COMMIT" {
		return 0, fmt.Errorf("malformed commitment memo %q", memo)
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed user id in memo %q", memo)
	}
	return id, nil
}
