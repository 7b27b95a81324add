package hashsplit

import (
	"fmt"
	"io"

	"github.com/keeper-backup/keeper/internal/objects"
)

// ObjectSource retrieves a stored object by id.
type ObjectSource interface {
	Get(id objects.ID) (objects.Kind, []byte, error)
}

// Join streams the original bytes of a blob or chunked-blob tree to w.
// Tree entries are walked in order, so the output equals the stream the
// splitter consumed.
func Join(src ObjectSource, id objects.ID, w io.Writer) error {
	kind, payload, err := src.Get(id)
	if err != nil {
		return err
	}
	switch kind {
	case objects.KindBlob:
		_, err := w.Write(payload)
		return err
	case objects.KindTree:
		entries, err := objects.DecodeTree(payload)
		if err != nil {
			return fmt.Errorf("join %s: %w", id, err)
		}
		for _, e := range entries {
			if err := Join(src, e.ID, w); err != nil {
				return err
			}
		}
		return nil
	case objects.KindCommit:
		commit, err := objects.DecodeCommit(payload)
		if err != nil {
			return fmt.Errorf("join %s: %w", id, err)
		}
		return Join(src, commit.Tree, w)
	}
	return fmt.Errorf("join %s: unexpected object kind %s", id, kind)
}
