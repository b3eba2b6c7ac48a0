// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dtx

import (
	"strings"
	"testing"
)

func TestCheckAddress(t *testing.T) {
	mainnetAddr := "xch1" + strings.Repeat("q", 58)
	testnetAddr := "txch1" + strings.Repeat("q", 58)
	tests := []struct {
		name string
		addr string
		net  Network
		want bool
	}{
		{"mainnet ok", mainnetAddr, Mainnet, true},
		{"testnet ok", testnetAddr, Testnet, true},
		{"simnet uses testnet format", testnetAddr, Simnet, true},
		{"wrong prefix", testnetAddr, Mainnet, false},
		{"wrong net", mainnetAddr, Testnet, false},
		{"short", mainnetAddr[:61], Mainnet, false},
		{"long", mainnetAddr + "q", Mainnet, false},
		{"empty", "", Mainnet, false},
	}
	for _, tt := range tests {
		if got := CheckAddress(tt.addr, tt.net); got != tt.want {
			t.Errorf("%s: CheckAddress = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFormatXCH(t *testing.T) {
	tests := []struct {
		mojos uint64
		want  string
	}{
		{0, "0 XCH"},
		{MojosPerXCH, "1 XCH"},
		{MojosPerXCH / 2, "0.5 XCH"},
		{1, "0.000000000001 XCH"},
		{200_000_000_000, "0.2 XCH"},
		{3*MojosPerXCH + 1000, "3.000000001 XCH"},
	}
	for _, tt := range tests {
		if got := FormatXCH(tt.mojos); got != tt.want {
			t.Errorf("FormatXCH(%d) = %q, want %q", tt.mojos, got, tt.want)
		}
	}
}

func TestNetFromString(t *testing.T) {
	for _, net := range []Network{Mainnet, Testnet, Simnet} {
		back, err := NetFromString(net.String())
		if err != nil {
			t.Fatalf("NetFromString(%s): %v", net, err)
		}
		if back != net {
			t.Fatalf("round trip %s -> %s", net, back)
		}
	}
	if _, err := NetFromString("livenet"); err == nil {
		t.Fatal("no error for unknown network")
	}
}

func TestChainID(t *testing.T) {
	if id := Mainnet.ChainID(); id != "chia:mainnet" {
		t.Fatalf("mainnet chain id = %q", id)
	}
	if id := Testnet.ChainID(); id != "chia:testnet" {
		t.Fatalf("testnet chain id = %q", id)
	}
}
