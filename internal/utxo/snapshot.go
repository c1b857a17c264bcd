package utxo

import "fmt"

// Snapshot is a point-in-time copy of every UTXO in a store, used to roll
// back the set if a block turns out to be invalid or a reorg unwinds it.
type Snapshot struct {
	utxos []*UTXO
}

// Snapshot captures the full contents of the store.
func (s *Store) Snapshot() (*Snapshot, error) {
	var utxos []*UTXO
	err := s.ForEach(func(u *UTXO) error {
		cp := *u
		utxos = append(utxos, &cp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{utxos: utxos}, nil
}

// Restore replaces the store's contents with the snapshot's.
func (s *Store) Restore(snap *Snapshot) error {
	if err := s.ClearAll(); err != nil {
		return fmt.Errorf("restore: clearing store: %w", err)
	}
	for _, u := range snap.utxos {
		if err := s.Put(u); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}
