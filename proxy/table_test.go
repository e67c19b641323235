package proxy

import "testing"

func TestTableCaps(t *testing.T) {
	tb := newTable(3, 2)

	if !tb.reserve("a") || !tb.reserve("a") {
		t.Fatal("first two reservations for a should succeed")
	}
	if tb.reserve("a") {
		t.Fatal("per-IP cap should reject the third")
	}
	if !tb.reserve("b") {
		t.Fatal("b should fit under the global cap")
	}
	if tb.reserve("c") {
		t.Fatal("global cap should reject c")
	}

	tb.release("b")
	c := &Conn{ID: "c1", ClientIP: "c", PrincipalID: "p1"}
	if !tb.reserve("c") {
		t.Fatal("released slot should be reusable")
	}
	tb.add(c)

	if got, ok := tb.get("c1"); !ok || got != c {
		t.Fatal("added connection should be retrievable")
	}
	if conns := tb.byPrincipal("p1"); len(conns) != 1 {
		t.Fatalf("want 1 connection for p1, got %d", len(conns))
	}
	st := tb.stats()
	if st.Active != 1 || st.Reserved != 2 || st.PerIP["a"] != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	if !tb.remove(c) || tb.remove(c) {
		t.Fatal("remove should succeed exactly once")
	}
	if st := tb.stats(); st.PerIP["c"] != 0 || st.Active != 0 {
		t.Fatalf("slot not freed: %+v", st)
	}
}

func TestTableRekey(t *testing.T) {
	tb := newTable(10, 10)
	a := &Conn{ID: "a", ClientIP: "1", PrincipalID: "p1"}
	b := &Conn{ID: "b", ClientIP: "1", PrincipalID: "p1"}
	c := &Conn{ID: "c", ClientIP: "2", PrincipalID: "p2"}
	a.setSessionID("old")
	b.setSessionID("old")
	c.setSessionID("other")
	for _, conn := range []*Conn{a, b, c} {
		tb.reserve(conn.ClientIP)
		tb.add(conn)
	}

	if n := tb.rekey("old", "new"); n != 2 {
		t.Fatalf("want 2 connections moved, got %d", n)
	}
	if a.SessionID() != "new" || b.SessionID() != "new" {
		t.Fatalf("connections not moved: %q %q", a.SessionID(), b.SessionID())
	}
	if c.SessionID() != "other" {
		t.Fatalf("unrelated connection changed: %q", c.SessionID())
	}
	if n := tb.rekey("old", "newer"); n != 0 {
		t.Fatalf("want no connections left on old, got %d", n)
	}
}
