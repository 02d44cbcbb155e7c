package crdt

import "fmt"

// Stamp is a Lamport timestamp. Stamps are totally ordered by counter,
// then by replica id, so concurrent writes on different replicas always
// resolve the same way everywhere.
type Stamp struct {
	Counter uint64 `cbor:"c"`
	Replica string `cbor:"r"`
}

func (s Stamp) Less(o Stamp) bool {
	if s.Counter != o.Counter {
		return s.Counter < o.Counter
	}
	return s.Replica < o.Replica
}

func (s Stamp) IsZero() bool { return s.Counter == 0 && s.Replica == "" }

func (s Stamp) String() string { return fmt.Sprintf("%d@%s", s.Counter, s.Replica) }
