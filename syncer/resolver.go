package syncer

import "github.com/hybr/bpmcore/docstore"

// Resolution names the winning side of a document conflict.
type Resolution int

const (
	LocalWins Resolution = iota
	RemoteWins
)

func (r Resolution) String() string {
	if r == RemoteWins {
		return "remote"
	}
	return "local"
}

// Resolver picks a winner for two divergent revisions of one document.
// The coordinator always emits a conflict event before consulting it.
type Resolver func(local, remote docstore.Document) Resolution

// LastWriterWins is the default resolution policy: the revision with the
// later update timestamp wins, the local copy on a tie. This is a
// deliberate, caller-overridable policy, not an accident of the
// implementation.
func LastWriterWins(local, remote docstore.Document) Resolution {
	if remote.UpdatedAt > local.UpdatedAt {
		return RemoteWins
	}
	return LocalWins
}
