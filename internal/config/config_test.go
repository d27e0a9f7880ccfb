package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `version 1
host 0 127.0.0.1 2000 1 2001 1
space 0 users key string age int64
subspace 0 0 true true false false
region 0 0 0 0 0
quiesce snap-1
end	of	line
`

func TestParseStreamResolvesReferences(t *testing.T) {
	cfg, err := ParseStream(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, uint64(1), cfg.Version)
	require.Equal(t, "snap-1", cfg.Quiesce)

	sp, ok := cfg.Spaces[0]
	require.True(t, ok)
	require.Equal(t, "users", sp.Name)
	require.Len(t, sp.Attributes, 2)

	sub, ok := cfg.Subspace(0, 0)
	require.True(t, ok)
	require.Equal(t, []bool{true, false}, sub.Repl)

	require.Len(t, cfg.Regions, 1)
	require.Equal(t, 0, ChainPosition(cfg.Regions[0], 0))
}

func TestParseStreamRejectsDanglingReference(t *testing.T) {
	bad := "version 1\nregion 9 0 0 0 0\nend\tof\tline\n"
	_, err := ParseStream(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseStreamRejectsUnsearchableHash(t *testing.T) {
	bad := "version 1\n" +
		"space 0 docs key string blob document\n" +
		"subspace 0 0 true true true true\n" +
		"end\tof\tline\n"
	_, err := ParseStream(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseStreamTruncatedWithoutSentinel(t *testing.T) {
	_, err := ParseStream(strings.NewReader("version 1\n"))
	require.ErrorIs(t, err, ErrTruncated)
}
