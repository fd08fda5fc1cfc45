package stream

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestWriteChange_Golden(t *testing.T) {
	var buf bytes.Buffer
	err := writeChange(&buf,
		oplog.Position{Seconds: 1700000000, Sequence: 2},
		eventName("post", oplog.OpUpdate),
		resource.Record{"id": "p1", "title": "hello <world>", "tags": []string{"a", "b"}},
	)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "change_frame", buf.Bytes())
}

func TestWriteTick_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTick(&buf, 3))
	newGoldie(t).Assert(t, "tick_frame", buf.Bytes())
}

func TestEncodeError_Golden(t *testing.T) {
	g := newGoldie(t)
	g.Assert(t, "error_no_resources", encodeError(errNoResources()))
	g.Assert(t, "error_unknown_resources", encodeError(errUnknownResources([]string{"alpha", "zeta"})))
}
