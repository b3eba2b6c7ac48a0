// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dtrex.org/xchbridge/dtx"
	"dtrex.org/xchbridge/dtx/msgjson"
)

// ChiaNamespace is the capability namespace the bridge requests from
// wallets.
const ChiaNamespace = "chia"

// Wallet method names in the chia namespace.
const (
	// MethodGetAddress retrieves the wallet's current receive address.
	MethodGetAddress = "chia_getCurrentAddress"
	// MethodSignMessage signs a message with the key behind an address.
	MethodSignMessage = "chia_signMessageByAddress"
	// MethodSendTransaction constructs, signs and broadcasts a transaction,
	// returning its transaction id.
	MethodSendTransaction = "chia_sendTransaction"
)

// Capabilities is the capability set requested in a pairing proposal.
type Capabilities struct {
	Chains  []string
	Methods []string
}

// DefaultCapabilities is the fixed capability set required by the rest of
// the system: address retrieval, message signing, and transaction
// submission.
func DefaultCapabilities(net dtx.Network) *Capabilities {
	return &Capabilities{
		Chains: []string{net.ChainID()},
		Methods: []string{
			MethodGetAddress,
			MethodSignMessage,
			MethodSendTransaction,
		},
	}
}

func (caps *Capabilities) namespaces() map[string]*msgjson.Namespace {
	return map[string]*msgjson.Namespace{
		ChiaNamespace: {
			Chains:  caps.Chains,
			Methods: caps.Methods,
		},
	}
}

// WalletSession is an established wallet pairing. It is owned exclusively by
// the relay Client; other components hold only the Topic and values derived
// from the account list.
type WalletSession struct {
	// Topic is the opaque identifier scoping all requests to this session.
	Topic string `json:"topic"`
	// Namespaces are the granted capability namespaces.
	Namespaces map[string]*msgjson.Namespace `json:"namespaces"`
	// CreatedAt is when the session was settled.
	CreatedAt time.Time `json:"createdAt"`
	// Expiry is the wallet-declared session expiry. The relay side enforces
	// it; the client only learns of expiry on the next failed request.
	Expiry time.Time `json:"expiry"`
}

// Accounts returns the account identifiers granted in the chia namespace,
// each of the form chain:network:fingerprint.
func (s *WalletSession) Accounts() []string {
	ns := s.Namespaces[ChiaNamespace]
	if ns == nil {
		return nil
	}
	return ns.Accounts
}

// Fingerprint extracts the fingerprint from the session's first granted
// account identifier.
func (s *WalletSession) Fingerprint() (string, error) {
	accts := s.Accounts()
	if len(accts) == 0 {
		return "", fmt.Errorf("session %s grants no accounts", s.Topic)
	}
	return accountFingerprint(accts[0])
}

// SupportsMethod reports whether the session's chia namespace allows the
// method.
func (s *WalletSession) SupportsMethod(method string) bool {
	ns := s.Namespaces[ChiaNamespace]
	if ns == nil {
		return false
	}
	for _, m := range ns.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (s *WalletSession) encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

func decodeSession(b []byte) (*WalletSession, error) {
	s := new(WalletSession)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, err
	}
	if s.Topic == "" {
		return nil, fmt.Errorf("stored session missing topic")
	}
	return s, nil
}

// accountFingerprint parses an account identifier of the form
// chain:network:fingerprint and returns the fingerprint part.
func accountFingerprint(acct string) (string, error) {
	parts := strings.Split(acct, ":")
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("malformed account identifier %q", acct)
	}
	return parts[2], nil
}
