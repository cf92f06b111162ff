package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/txn"
)

func TestCollectorPublishesCacheGauges(t *testing.T) {
	c := cache.New(cache.DefaultConfig(1<<20), func(addr uint64) (*page.Page, error) {
		return nil, nil
	}, nil)

	col := NewCollector(txn.NewManager(), time.Hour)
	col.Register("test-tree", c, nil)
	defer col.Unregister("test-tree")

	col.collect()

	snap := c.Snapshot()
	require.Equal(t, float64(snap.PagesInUse.Load()), testutil.ToFloat64(CachePagesInUse.WithLabelValues("test-tree")))
}
