package conn

import (
	"github.com/bitbased/archengine/config"
)

// connectionTable validates the config string passed to Open, mirroring
// spec.md §6's "type checker with min/max/choices" over the options a
// Connection itself (rather than a single tree) understands.
var connectionTable = config.Table{
	{Name: "create", Kind: config.KindBool, Default: config.Value{Kind: config.KindBool, Bool: true}},
	{Name: "cache_size", Kind: config.KindInt, Min: 1 << 20, Max: 1 << 40, Default: config.Value{Kind: config.KindInt, Int: 64 << 20}},
	{Name: "checkpoint_interval_seconds", Kind: config.KindInt, Min: 0, Max: 86400, Default: config.Value{Kind: config.KindInt, Int: 60}},
	{Name: "lookaside_sweep_interval_seconds", Kind: config.KindInt, Min: 1, Max: 3600, Default: config.Value{Kind: config.KindInt, Int: 2}},
	{Name: "stats_interval_seconds", Kind: config.KindInt, Min: 1, Max: 3600, Default: config.Value{Kind: config.KindInt, Int: 15}},
	{Name: "eviction_workers", Kind: config.KindInt, Min: 0, Max: 32, Default: config.Value{Kind: config.KindInt, Int: 2}},
	{Name: "log_level", Kind: config.KindString, Choices: []string{"debug", "info", "warn", "error"}, Default: config.Value{Kind: config.KindString, Str: "info"}},
}

// treeTable validates the config string passed to Session.Create for a
// single tree, per spec.md §3's Tree entity row (format descriptors,
// collator, compressor, encryptor) plus the cache-budget share the
// Cache ownership decision in DESIGN.md's `tree/` entry calls for.
var treeTable = config.Table{
	{Name: "type", Kind: config.KindString, Choices: []string{"row", "col-fix", "col-var"}, Default: config.Value{Kind: config.KindString, Str: "row"}},
	{Name: "compressor", Kind: config.KindString, Choices: []string{"none", "snappy", "zstd"}, Default: config.Value{Kind: config.KindString, Str: "none"}},
	{Name: "collator", Kind: config.KindString, Choices: []string{"bytewise"}, Default: config.Value{Kind: config.KindString, Str: "bytewise"}},
	{Name: "encryption", Kind: config.KindString, Choices: []string{"none", "aesgcm"}, Default: config.Value{Kind: config.KindString, Str: "none"}},
	{Name: "lookaside", Kind: config.KindBool, Default: config.Value{Kind: config.KindBool, Bool: true}},
	{Name: "cache_share_pct", Kind: config.KindInt, Min: 1, Max: 100, Default: config.Value{Kind: config.KindInt, Int: 10}},
	// root and wal_ckpt_lsn are never supplied by a caller; Session.Create
	// rejects them explicitly and Connection writes them itself after the
	// first checkpoint, the same "schema metadata" role
	// config_collapse.c's merge plays for WiredTiger's own internal keys.
	{Name: "root", Kind: config.KindInt, Min: 0, Max: 1 << 62, Default: config.Value{Kind: config.KindInt, Int: 0}},
	{Name: "wal_ckpt_lsn", Kind: config.KindInt, Min: 0, Max: 1 << 62, Default: config.Value{Kind: config.KindInt, Int: 0}},
	{Name: "version", Kind: config.KindInt, Min: 1, Max: 1 << 30, Default: config.Value{Kind: config.KindInt, Int: 1}},
	{Name: "id", Kind: config.KindInt, Min: 0, Max: 1 << 32, Default: config.Value{Kind: config.KindInt, Int: 0}},
}

// txnTable validates Session.BeginTransaction's config string.
var txnTable = config.Table{
	{Name: "isolation", Kind: config.KindString, Choices: []string{"read-uncommitted", "read-committed", "snapshot"}, Default: config.Value{Kind: config.KindString, Str: "snapshot"}},
}
