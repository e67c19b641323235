package proxy

import "sync"

// table is the process-local registry of bridging connections. Capacity is
// reserved before the backend is dialed so concurrent upgrades cannot
// overshoot the caps.
type table struct {
	maxTotal int
	maxPerIP int

	mu    sync.Mutex
	conns map[string]*Conn
	perIP map[string]int
	total int
}

func newTable(maxTotal, maxPerIP int) *table {
	return &table{
		maxTotal: maxTotal,
		maxPerIP: maxPerIP,
		conns:    make(map[string]*Conn),
		perIP:    make(map[string]int),
	}
}

// reserve claims a slot for ip. It reports false when a cap is reached.
func (t *table) reserve(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total >= t.maxTotal || t.perIP[ip] >= t.maxPerIP {
		return false
	}
	t.total++
	t.perIP[ip]++
	return true
}

// release returns a slot reserved for ip that never became a connection.
func (t *table) release(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(ip)
}

func (t *table) releaseLocked(ip string) {
	t.total--
	if n := t.perIP[ip] - 1; n > 0 {
		t.perIP[ip] = n
	} else {
		delete(t.perIP, ip)
	}
}

// add registers c against the slot already reserved for its IP.
func (t *table) add(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.ID] = c
}

// remove drops c and frees its slot. It reports false if c was already gone.
func (t *table) remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[c.ID]; !ok {
		return false
	}
	delete(t.conns, c.ID)
	t.releaseLocked(c.ClientIP)
	return true
}

func (t *table) get(id string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

// rekey moves connections opened on session oldID to newID after the
// session was regenerated. It returns how many were moved.
func (t *table) rekey(oldID, newID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.conns {
		if c.SessionID() == oldID {
			c.setSessionID(newID)
			n++
		}
	}
	return n
}

// byPrincipal returns a snapshot of the principal's connections.
func (t *table) byPrincipal(principalID string) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Conn
	for _, c := range t.conns {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out
}

func (t *table) snapshot() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Stats describes the connection table.
type Stats struct {
	Active int
	// Reserved counts slots held by upgrades still dialing the backend.
	Reserved int
	PerIP    map[string]int
}

func (t *table) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	perIP := make(map[string]int, len(t.perIP))
	for ip, n := range t.perIP {
		perIP[ip] = n
	}
	return Stats{Active: len(t.conns), Reserved: t.total - len(t.conns), PerIP: perIP}
}
