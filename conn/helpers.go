package conn

import (
	"path/filepath"
	"strings"

	"github.com/bitbased/archengine/config"
	"github.com/bitbased/archengine/errs"
)

func cfgInt(cfg config.Config, key string) int64    { return cfg[key].Int }
func cfgBool(cfg config.Config, key string) bool    { return cfg[key].Bool }
func cfgStr(cfg config.Config, key string) string   { return cfg[key].Str }

// parseURI splits a spec.md §6 URI ("scheme:name[:sub]") into its scheme
// and the rest, rejecting schemes this core does not serve directly
// (statistics:, log:, backup: are named collaborator interfaces, not
// trees this package opens).
func parseURI(uri string) (scheme, name string, err error) {
	i := strings.IndexByte(uri, ':')
	if i < 0 {
		return "", "", errs.New(errs.Config, "uri missing scheme: "+uri, nil)
	}
	scheme, name = uri[:i], uri[i+1:]
	switch scheme {
	case "table", "file":
		if name == "" {
			return "", "", errs.New(errs.Config, "uri missing name: "+uri, nil)
		}
		return scheme, name, nil
	case "metadata":
		return scheme, name, nil
	default:
		return "", "", errs.New(errs.Unsupported, "unsupported uri scheme: "+scheme, nil)
	}
}

// sanitizeName maps a tree's URI name to a filesystem-safe file stem.
// Collisions are not a concern in practice (the metadata tree already
// rejects duplicate URIs), so this is a simple substitution, not a hash.
func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_")
	return r.Replace(name)
}

func blockPath(dir, uri string) string      { return filepath.Join(dir, sanitizeName(uri)+".db") }
func walPath(dir, uri string) string        { return filepath.Join(dir, sanitizeName(uri)+".wal") }
func lookasidePath(dir, uri string) string  { return filepath.Join(dir, sanitizeName(uri)+".las") }
