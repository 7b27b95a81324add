// Package client defines the one contract both repository flavors
// satisfy: a local repository written directly, and a remote one spoken
// to over the wire protocol. Everything above (save, restore, the
// server itself) is polymorphic over this interface.
package client

import (
	"io"

	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/repo"
)

// Client is the operation set the driver needs from a repository.
type Client interface {
	// Add stores one object, deduplicating against everything the
	// repository is known to hold.
	Add(kind objects.Kind, payload []byte) (objects.ID, error)
	// Exists reports locally-known membership. It may miss objects the
	// peer holds but has not yet suggested an index for; Add stays
	// correct regardless because the receiving side dedupes too.
	Exists(id objects.ID) bool
	// Get fetches one object.
	Get(id objects.ID) (objects.Kind, []byte, error)
	// Cat streams the joined bytes of a blob, chunked blob or commit.
	Cat(id objects.ID, w io.Writer) error
	// ReadRef returns the target of a ref, zero if absent.
	ReadRef(name string) (objects.ID, error)
	// UpdateRef compare-and-sets a ref.
	UpdateRef(name string, new, old objects.ID) error
	// ListRefs enumerates refs under a prefix ("" for all).
	ListRefs(prefix string) ([]repo.Ref, error)
	// Close finalizes any open pack and releases resources.
	Close() error
}
