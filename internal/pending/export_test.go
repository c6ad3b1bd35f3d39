package pending

// CorruptBytes flips the first stored byte of id without touching its hash.
func CorruptBytes(m *MemoryStore, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok && len(rec.TxBytes) > 0 {
		rec.TxBytes[0] ^= 0xff
	}
}
