package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasicPairs(t *testing.T) {
	cfg, err := Parse(`cache_size=512,create=true,name="leaf"`)
	require.NoError(t, err)
	require.Equal(t, int64(512), cfg["cache_size"].Int)
	require.True(t, cfg["create"].Bool)
	require.Equal(t, "leaf", cfg["name"].Str)
}

func TestParseBareKeyMeansTrue(t *testing.T) {
	cfg, err := Parse(`overwrite`)
	require.NoError(t, err)
	require.Equal(t, KindBool, cfg["overwrite"].Kind)
	require.True(t, cfg["overwrite"].Bool)
}

func TestParseNestedGroup(t *testing.T) {
	cfg, err := Parse(`checkpoint=(wait=0,force=true)`)
	require.NoError(t, err)
	require.Equal(t, KindStruct, cfg["checkpoint"].Kind)
	require.Equal(t, int64(0), cfg["checkpoint"].Struct["wait"].Int)
	require.True(t, cfg["checkpoint"].Struct["force"].Bool)
}

func TestParseList(t *testing.T) {
	cfg, err := Parse(`columns=[id,name,value]`)
	require.NoError(t, err)
	require.Len(t, cfg["columns"].List, 3)
	require.Equal(t, "id", cfg["columns"].List[0].Str)
}

func TestParseUnterminatedGroupFails(t *testing.T) {
	_, err := Parse(`checkpoint=(wait=0`)
	require.Error(t, err)
}

func TestCollapseMergesNestedStructs(t *testing.T) {
	base, err := Parse(`block_compressor=snappy,checkpoint=(wait=0,log_size=0)`)
	require.NoError(t, err)
	override, err := Parse(`checkpoint=(wait=30)`)
	require.NoError(t, err)

	merged := Collapse(base, override)
	require.Equal(t, "snappy", merged["block_compressor"].Str)
	require.Equal(t, int64(30), merged["checkpoint"].Struct["wait"].Int)
	require.Equal(t, int64(0), merged["checkpoint"].Struct["log_size"].Int)
}

func TestRoundTripStringParse(t *testing.T) {
	cfg, err := Parse(`cache_size=512,create=true,tags=[a,b]`)
	require.NoError(t, err)
	again, err := Parse(cfg.String())
	require.NoError(t, err)
	require.Equal(t, cfg["cache_size"], again["cache_size"])
	require.Equal(t, cfg["create"], again["create"])
}

func TestTableValidateRejectsUnknownKey(t *testing.T) {
	table := Table{{Name: "cache_size", Kind: KindInt, Min: 1, Max: 1 << 30}}
	cfg, _ := Parse(`bogus=1`)
	_, err := table.Validate(cfg)
	require.Error(t, err)
}

func TestTableValidateRangeAndChoices(t *testing.T) {
	table := Table{
		{Name: "cache_size", Kind: KindInt, Min: 1, Max: 100, Default: Value{Kind: KindInt, Int: 10}},
		{Name: "isolation", Kind: KindString, Choices: []string{"snapshot", "read-committed", "read-uncommitted"}},
	}

	cfg, _ := Parse(`isolation="snapshot"`)
	out, err := table.Validate(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(10), out["cache_size"].Int) // default filled in

	tooBig, _ := Parse(`cache_size=1000,isolation="snapshot"`)
	_, err = table.Validate(tooBig)
	require.Error(t, err)

	badChoice, _ := Parse(`isolation="bogus"`)
	_, err = table.Validate(badChoice)
	require.Error(t, err)
}
