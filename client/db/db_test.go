package db

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "decisions.db"), prov.StdOutLogger("DB", os.Stdout))
	if err != nil {
		t.Fatalf("NewDB error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stampedDecision builds a Decision with a deterministic key so ordering
// tests are not at the mercy of the clock.
func stampedDecision(stamp uint64, origin string) *Decision {
	d := NewDecision(origin, "host", confmsg.KindNamed, "mainnet", true)
	d.Stamp = stamp
	binary.BigEndian.PutUint64(d.ID[:8], stamp)
	return d
}

func TestSaveDecision(t *testing.T) {
	db := newTestDB(t)

	rec := NewDecision("https://dapp.example.com", "dapp.example.com",
		confmsg.KindRPC, "Test @ https://rpc.test", false)
	if err := db.SaveDecision(rec); err != nil {
		t.Fatalf("SaveDecision error: %v", err)
	}

	decisions, err := db.Decisions(0)
	if err != nil {
		t.Fatalf("Decisions error: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	reloaded := decisions[0]
	if reloaded.Origin != rec.Origin || reloaded.Host != rec.Host ||
		reloaded.Kind != rec.Kind || reloaded.Network != rec.Network ||
		reloaded.Approved != rec.Approved || reloaded.TimedOut != rec.TimedOut {
		t.Fatalf("reloaded decision %+v does not match stored %+v", reloaded, rec)
	}

	// No ID, no save.
	if err := db.SaveDecision(&Decision{Origin: "x"}); err == nil {
		t.Fatal("no error saving a decision without an ID")
	}
}

func TestDecisionsOrdering(t *testing.T) {
	db := newTestDB(t)

	// Insert out of chronological order.
	for _, stamp := range []uint64{300, 100, 200, 500, 400} {
		if err := db.SaveDecision(stampedDecision(stamp, "https://a.example.com")); err != nil {
			t.Fatalf("SaveDecision error: %v", err)
		}
	}

	decisions, err := db.Decisions(0)
	if err != nil {
		t.Fatalf("Decisions error: %v", err)
	}
	if len(decisions) != 5 {
		t.Fatalf("expected 5 decisions, got %d", len(decisions))
	}
	for i, wantStamp := range []uint64{500, 400, 300, 200, 100} {
		if decisions[i].Stamp != wantStamp {
			t.Fatalf("decision %d has stamp %d, want %d", i, decisions[i].Stamp, wantStamp)
		}
	}

	// Limited retrieval keeps the newest.
	decisions, err = db.Decisions(2)
	if err != nil {
		t.Fatalf("Decisions(2) error: %v", err)
	}
	if len(decisions) != 2 || decisions[0].Stamp != 500 || decisions[1].Stamp != 400 {
		t.Fatalf("unexpected limited retrieval: %+v", decisions)
	}
}

func TestTimeoutDecision(t *testing.T) {
	db := newTestDB(t)

	rec := NewTimeoutDecision("https://slow.example.com", confmsg.KindNamed, "sepolia")
	if rec.Approved || !rec.TimedOut || rec.Host != "" {
		t.Fatalf("unexpected timeout decision %+v", rec)
	}
	if err := db.SaveDecision(rec); err != nil {
		t.Fatalf("SaveDecision error: %v", err)
	}
	decisions, err := db.Decisions(1)
	if err != nil {
		t.Fatalf("Decisions error: %v", err)
	}
	if len(decisions) != 1 || !decisions[0].TimedOut || decisions[0].Approved {
		t.Fatalf("unexpected reloaded timeout decision: %+v", decisions)
	}
}

func TestVersionCheck(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "decisions.db")
	db, err := NewDB(dbPath, prov.StdOutLogger("DB", os.Stdout))
	if err != nil {
		t.Fatalf("NewDB error: %v", err)
	}

	// Corrupt the version and reopen.
	err = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appBucket).Put(versionKey, []byte{99})
	})
	if err != nil {
		t.Fatalf("version rewrite error: %v", err)
	}
	db.Close()

	_, err = NewDB(dbPath, prov.StdOutLogger("DB", os.Stdout))
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion opening a version-99 database, got %v", err)
	}
}
