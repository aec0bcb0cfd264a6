package sqlitecluster

import "testing"

func TestWhitelistAllows(t *testing.T) {
	wl := Whitelist{"t": {"a": struct{}{}, "b": struct{}{}}}

	if !wl.allows("t", "a") {
		t.Fatal("allows(t, a) = false, want true")
	}
	if wl.allows("t", "c") {
		t.Fatal("allows(t, c) = true, want false")
	}
	if wl.allows("other", "a") {
		t.Fatal("allows(other, a) = true, want false")
	}
}

func TestAuthorizeNoWhitelistAllowsEverything(t *testing.T) {
	db := &DB{name: "test"}
	if code := db.authorize(actionInsert, "t", "", ""); code != authOK {
		t.Fatalf("authorize with no whitelist = %d, want authOK", code)
	}
	if code := db.authorize(actionPragma, "journal_mode", "", ""); code != authOK {
		t.Fatalf("authorize(pragma) with no whitelist = %d, want authOK", code)
	}
}

func TestAuthorizeWhitelistDeniesWritesAndUnlistedReads(t *testing.T) {
	db := &DB{name: "test"}
	db.SetWhitelist(Whitelist{"t": {"a": struct{}{}}})

	if code := db.authorize(actionRead, "t", "a", ""); code != authOK {
		t.Fatalf("authorize(read t.a) = %d, want authOK", code)
	}
	if code := db.authorize(actionRead, "t", "b", ""); code != authDeny {
		t.Fatalf("authorize(read t.b) = %d, want authDeny", code)
	}
	if code := db.authorize(actionInsert, "t", "", ""); code != authDeny {
		t.Fatalf("authorize(insert) under whitelist = %d, want authDeny", code)
	}
	if code := db.authorize(actionPragma, "journal_mode", "", ""); code != authDeny {
		t.Fatalf("authorize(pragma) under whitelist = %d, want authDeny", code)
	}
	if code := db.authorize(actionAttach, "other.db", "", ""); code != authDeny {
		t.Fatalf("authorize(attach) under whitelist = %d, want authDeny", code)
	}
	if code := db.authorize(actionSelect, "", "", ""); code != authOK {
		t.Fatalf("authorize(select bookkeeping) under whitelist = %d, want authOK", code)
	}
}
