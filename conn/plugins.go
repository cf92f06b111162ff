package conn

import (
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/plugin"
)

// resolveCompressor maps a tree config's compressor= choice to a
// plugin.Compressor instance, per spec.md §9's "own them by value in the
// tree handle" dynamic-dispatch model.
func resolveCompressor(name string) (plugin.Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "snappy":
		return plugin.SnappyCompressor{}, nil
	case "zstd":
		return plugin.NewZstdCompressor()
	default:
		return nil, errs.New(errs.Config, "unknown compressor: "+name, nil)
	}
}

// resolveEncryptor maps a tree config's encryption= choice to a
// plugin.Encryptor. The AES-GCM default key here is a placeholder for a
// caller-supplied keystore; real key management
// is an external collaborator (spec.md §1 scopes extension/keystore
// loading out of the core).
func resolveEncryptor(name string) (plugin.Encryptor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "aesgcm":
		return plugin.NewAESGCMEncryptor(defaultEncryptionKey())
	default:
		return nil, errs.New(errs.Config, "unknown encryption: "+name, nil)
	}
}

// defaultEncryptionKey is a fixed 32-byte placeholder key used only when
// a caller opts into encryption="aesgcm" without supplying its own
// key-management collaborator. Production callers are expected to
// customize the Encryptor (its Customize method) rather than rely on
// this.
func defaultEncryptionKey() []byte {
	return []byte("archengine-placeholder-key-32by!")
}

// resolveCollator maps a tree config's collator= choice to a
// plugin.Collator.
func resolveCollator(name string) (plugin.Collator, error) {
	switch name {
	case "", "bytewise":
		return plugin.ByteCollator{}, nil
	default:
		return nil, errs.New(errs.Config, "unknown collator: "+name, nil)
	}
}

// resolveKind maps a tree config's type= choice to a page.Kind. Only the
// leaf kind is selected here; tree.New always builds a single root leaf
// (spec.md §3 "one live tree per open handle"), growing internal levels
// only once reconciliation produces more than one boundary.
func resolveKind(t string) (page.Kind, error) {
	switch t {
	case "", "row":
		return page.RowLeaf, nil
	case "col-fix":
		return page.ColFixLeaf, nil
	case "col-var":
		return page.ColVarLeaf, nil
	default:
		return 0, errs.New(errs.Config, "unknown tree type: "+t, nil)
	}
}
