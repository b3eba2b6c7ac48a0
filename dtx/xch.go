// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dtx

import (
	"fmt"
	"strings"
)

// Network flags passed to constructors to specify which network a client
// should run on.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Simnet
)

// String returns the string representation of the Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Simnet:
		return "simnet"
	}
	return fmt.Sprintf("unknown network %d", uint8(n))
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "simnet":
		return Simnet, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}

// MojosPerXCH is the number of mojos, the indivisible ledger unit, in one
// whole XCH.
const MojosPerXCH uint64 = 1e12

// ChainID returns the CAIP-style chain identifier used to scope wallet
// requests on the given network.
func (n Network) ChainID() string {
	switch n {
	case Mainnet:
		return "chia:mainnet"
	case Testnet:
		return "chia:testnet"
	default:
		return "chia:simnet"
	}
}

// addressPrefix returns the bech32m human-readable prefix for XCH addresses
// on the network.
func (n Network) addressPrefix() string {
	if n == Mainnet {
		return "xch1"
	}
	return "txch1"
}

// addressLength is the expected encoded address length for the network.
func (n Network) addressLength() int {
	if n == Mainnet {
		return 62
	}
	return 63
}

// CheckAddress reports whether addr is well-formed for the network. This is a
// format predicate only; full bech32m checksum validation is the wallet's
// responsibility.
func CheckAddress(addr string, net Network) bool {
	return strings.HasPrefix(addr, net.addressPrefix()) &&
		len(addr) == net.addressLength()
}

// FormatXCH returns a human-readable XCH string for an amount in mojos.
func FormatXCH(mojos uint64) string {
	whole := mojos / MojosPerXCH
	frac := mojos % MojosPerXCH
	if frac == 0 {
		return fmt.Sprintf("%d XCH", whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%012d", frac), "0")
	return fmt.Sprintf("%d.%s XCH", whole, s)
}
