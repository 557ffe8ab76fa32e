package utils

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/urfave/cli.v1"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestMakeConfig(t *testing.T) {
	dir := t.TempDir()

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range MergeFlags([]cli.Flag{ConfigFileFlag, DataDirFlag, MachineIDFlag, GroupsFlag, DiscoveryFlag, SeedsFlag}) {
		f.Apply(set)
	}
	require.NoError(t, set.Parse([]string{
		"--config", filepath.Join(dir, "missing.json"),
		"--datadir", dir,
		"--machine", "box",
		"--groups", "home,work",
		"--discovery", "false",
		"--seeds", "127.0.0.1:9001",
	}))

	ctx := cli.NewContext(cli.NewApp(), set, nil)
	cfg, err := MakeConfig(ctx)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "box", cfg.MachineID)
	assert.Equal(t, []string{"home", "work"}, cfg.P2P.Groups)
	assert.False(t, cfg.P2P.Discover)
	assert.Equal(t, []string{"127.0.0.1:9001"}, cfg.P2P.Seeds)

	node, err := MakeNode(cfg)
	require.NoError(t, err)
	assert.Equal(t, "box", node.MachineID())
}
