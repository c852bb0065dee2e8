package physwitch

// xidTranslator correlates an xid this physical switch allocated (when
// relaying a request that originated from a tenant controller) back to
// the originating xid and virtual switch, so the eventual reply or
// error can be routed home. Entries are pruned both on resolve and
// lazily whenever the owning virtual switch no longer resolves through
// Hypervisor.LookupVSwitch (the "weak reference" pattern — see
// VSwitchPeer).
type xidTranslator struct {
	entries map[uint32]xidEntry
}

type xidEntry struct {
	originalXid  uint32
	vswitchTagID uint32
}

func newXidTranslator() *xidTranslator {
	return &xidTranslator{entries: make(map[uint32]xidEntry)}
}

// record remembers that translatedXid was sent on behalf of
// originalXid from the virtual switch identified by vswitchTagID.
func (t *xidTranslator) record(translatedXid, originalXid, vswitchTagID uint32) {
	t.entries[translatedXid] = xidEntry{originalXid: originalXid, vswitchTagID: vswitchTagID}
}

// resolve looks up translatedXid, removes the entry (replies are
// single-shot) and resolves the owning virtual switch through sw's
// Hypervisor. If the virtual switch has since been torn down, ok is
// false and the caller should simply drop the reply.
func (t *xidTranslator) resolve(sw *Switch, translatedXid uint32) (peer VSwitchPeer, originalXid uint32, ok bool) {
	e, found := t.entries[translatedXid]
	if !found {
		return nil, 0, false
	}
	delete(t.entries, translatedXid)
	peer, ok = sw.hv.LookupVSwitch(e.vswitchTagID)
	if !ok {
		return nil, 0, false
	}
	return peer, e.originalXid, true
}
