package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chorus/internal/platform/wire"
)

type ping struct {
	N int `json:"n"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	env, err := wire.New(wire.KindAck, "conn-1", ping{N: 7})
	require.NoError(t, err)

	frame, err := wire.Marshal(env)
	require.NoError(t, err)

	decoded, err := wire.Unmarshal(frame)
	require.NoError(t, err)
	require.Equal(t, wire.KindAck, decoded.Kind)
	require.Equal(t, "conn-1", decoded.Conn)

	out := ping{}
	require.NoError(t, decoded.Decode(&out))
	require.Equal(t, 7, out.N)
}

func TestUnmarshalRejectsMalformedFrames(t *testing.T) {
	t.Parallel()
	cases := map[string][]byte{
		"empty":      nil,
		"not json":   []byte("hello there"),
		"no kind":    []byte(`{"v":1,"conn":"c"}`),
		"no conn":    []byte(`{"v":1,"kind":"ack"}`),
		"no version": []byte(`{"kind":"ack","conn":"c"}`),
	}
	for name, frame := range cases {
		_, err := wire.Unmarshal(frame)
		require.ErrorIs(t, err, wire.ErrMalformed, name)
	}
}

func TestUnknownKindParsesButIsNotKnown(t *testing.T) {
	t.Parallel()
	env, err := wire.Unmarshal([]byte(`{"v":1,"kind":"now_playing","conn":"c"}`))
	require.NoError(t, err)
	require.False(t, env.Kind.Known())
	require.False(t, env.Kind.Session())
	require.True(t, wire.KindHello.Session())
}

func TestDecodeWithoutBodyIsMalformed(t *testing.T) {
	t.Parallel()
	env, err := wire.New(wire.KindBye, "c", nil)
	require.NoError(t, err)
	require.ErrorIs(t, env.Decode(&ping{}), wire.ErrMalformed)
}
