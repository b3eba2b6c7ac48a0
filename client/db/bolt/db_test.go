// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	dtxdb "dtrex.org/xchbridge/client/db"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "db.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("error creating database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWalletInfo(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.WalletInfo(); !errors.Is(err, dtxdb.ErrNoWalletInfo) {
		t.Fatalf("expected ErrNoWalletInfo, got %v", err)
	}

	wi := &dtxdb.WalletInfo{
		Address:     "xch1qqqq",
		Fingerprint: "1234567890",
		Kind:        dtxdb.WalletKindConnect,
	}
	if err := db.SetWalletInfo(wi); err != nil {
		t.Fatalf("SetWalletInfo error: %v", err)
	}
	reWI, err := db.WalletInfo()
	if err != nil {
		t.Fatalf("WalletInfo error: %v", err)
	}
	if *reWI != *wi {
		t.Fatalf("retrieved wallet info %+v != stored %+v", reWI, wi)
	}

	// Replacement, not accumulation.
	wi.Address = "xch1pppp"
	if err := db.SetWalletInfo(wi); err != nil {
		t.Fatalf("SetWalletInfo replace error: %v", err)
	}
	reWI, _ = db.WalletInfo()
	if reWI.Address != "xch1pppp" {
		t.Fatalf("replacement not stored, got address %s", reWI.Address)
	}

	if err := db.ClearWalletInfo(); err != nil {
		t.Fatalf("ClearWalletInfo error: %v", err)
	}
	if _, err := db.WalletInfo(); !errors.Is(err, dtxdb.ErrNoWalletInfo) {
		t.Fatalf("expected ErrNoWalletInfo after clear, got %v", err)
	}
	// Clearing again is not an error.
	if err := db.ClearWalletInfo(); err != nil {
		t.Fatalf("second ClearWalletInfo error: %v", err)
	}

	// Empty fingerprint is rejected.
	if err := db.SetWalletInfo(&dtxdb.WalletInfo{Address: "xch1qqqq"}); err == nil {
		t.Fatal("no error storing wallet info with empty fingerprint")
	}
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)

	raws, err := db.Sessions()
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	if len(raws) != 0 {
		t.Fatalf("expected no sessions, got %d", len(raws))
	}

	for _, topic := range []string{"alpha", "beta", "gamma"} {
		if err := db.SaveSession(topic, []byte(topic+"-record")); err != nil {
			t.Fatalf("SaveSession(%s) error: %v", topic, err)
		}
	}
	raws, _ = db.Sessions()
	if len(raws) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(raws))
	}
	if !bytes.Equal(raws[2], []byte("gamma-record")) {
		t.Fatalf("last session = %s, want gamma-record", raws[2])
	}

	// Updating a topic keeps its position.
	if err := db.SaveSession("alpha", []byte("alpha-updated")); err != nil {
		t.Fatalf("SaveSession update error: %v", err)
	}
	raws, _ = db.Sessions()
	if len(raws) != 3 {
		t.Fatalf("update grew the session count to %d", len(raws))
	}
	if !bytes.Equal(raws[0], []byte("alpha-updated")) {
		t.Fatalf("first session = %s, want alpha-updated", raws[0])
	}

	if err := db.DeleteSession("beta"); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}
	raws, _ = db.Sessions()
	if len(raws) != 2 {
		t.Fatalf("expected 2 sessions after delete, got %d", len(raws))
	}
	// Unknown topic is not an error.
	if err := db.DeleteSession("delta"); err != nil {
		t.Fatalf("DeleteSession unknown topic error: %v", err)
	}

	if err := db.SaveSession("", []byte("x")); err == nil {
		t.Fatal("no error saving a session with an empty topic")
	}
}
