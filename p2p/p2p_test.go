package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/ethy/lib"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// inbox collects delivered messages
type inbox struct {
	mu       sync.Mutex
	messages []string
}

func (i *inbox) handler(from string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, from+":"+string(payload))
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.messages...)
}

func TestHub(t *testing.T) {
	hub := NewHub(lib.NewNullLogger())
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	inboxes := map[string]*inbox{"a": {}, "b": {}, "c": {}}
	for id, n := range map[string]*HubNetwork{"a": a, "b": b, "c": c} {
		require.NoError(t, n.Subscribe(TopicWitness, inboxes[id].handler))
	}
	// a second handler for a topic is refused
	require.Error(t, a.Subscribe(TopicWitness, inboxes["a"].handler))
	require.Equal(t, 2, a.Peers())
	// execute the function call
	require.NoError(t, a.Publish(context.Background(), TopicWitness, []byte("w")))
	require.Eventually(t, func() bool {
		return len(inboxes["b"].get()) == 1 && len(inboxes["c"].get()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a:w"}, inboxes["b"].get())
	require.Empty(t, inboxes["a"].get())
	// topics without a handler are dropped
	require.NoError(t, a.Publish(context.Background(), TopicProof, []byte("p")))
	// muted and closed members receive nothing
	b.Mute(true)
	require.NoError(t, c.Close())
	require.NoError(t, a.Publish(context.Background(), TopicWitness, []byte("x")))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, inboxes["b"].get(), 1)
	require.Len(t, inboxes["c"].get(), 1)
}

func TestFraming(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		max     uint64
		fails   bool
	}{
		{name: "empty", payload: []byte{}},
		{name: "within limit", payload: bytes.Repeat([]byte{1}, 64), max: 64},
		{name: "unbounded", payload: bytes.Repeat([]byte{2}, 4096)},
		{name: "over limit", payload: bytes.Repeat([]byte{3}, 65), max: 64, fails: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, writeFramed(buf, test.payload))
			// execute the function call
			got, err := readFramed(buf, test.max)
			if test.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.payload, got)
		})
	}
}

func TestEnvelope(t *testing.T) {
	bz, err := encodeEnvelope(TopicProof, []byte("proof"))
	require.NoError(t, err)
	e, err := decodeEnvelope(bz)
	require.NoError(t, err)
	require.Equal(t, TopicProof, e.Topic)
	require.Equal(t, []byte("proof"), e.Payload)
	_, err = decodeEnvelope([]byte{0xff})
	require.Error(t, err)
}

func TestPeerSet(t *testing.T) {
	id, other := newPeerId(t), newPeerId(t)
	tests := []struct {
		name   string
		detail string
		addrs  []string
		fails  bool
		count  int
	}{
		{
			name:   "plain",
			detail: "a multiaddr without a peer component",
			addrs:  []string{"/ip4/127.0.0.1/tcp/30333"},
			count:  1,
		},
		{
			name:   "matching peer component",
			detail: "the /p2p component is stripped",
			addrs:  []string{"/ip4/127.0.0.1/tcp/30333/p2p/" + id.String(), " ", "/ip4/10.0.0.1/tcp/30333"},
			count:  2,
		},
		{
			name:   "mismatching peer component",
			detail: "an address of another peer is refused",
			addrs:  []string{"/ip4/127.0.0.1/tcp/30333/p2p/" + other.String()},
			fails:  true,
		},
		{
			name:   "garbage",
			detail: "an address that is not a multiaddr",
			addrs:  []string{"localhost:30333"},
			fails:  true,
		},
		{
			name:   "none",
			detail: "no addresses at all",
			fails:  true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ps := NewPeerSet()
			// execute the function call
			info, e := ps.Add(id.String(), test.addrs)
			if test.fails {
				require.Error(t, e, test.detail)
				require.Zero(t, ps.Len())
				return
			}
			require.NoError(t, e, test.detail)
			require.Len(t, info.Addrs, test.count)
			got, e := ps.Get(id.String())
			require.NoError(t, e)
			require.Equal(t, info, got)
			ps.Remove(id.String())
			_, e = ps.Get(id.String())
			require.Error(t, e)
		})
	}
}

func newPeerId(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestLibp2pPublish(t *testing.T) {
	config := lib.DefaultP2PConfig()
	config.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := New(config, nil, lib.NewNullLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := New(config, nil, lib.NewNullLogger())
	require.NoError(t, err)
	defer b.Close()
	received := &inbox{}
	require.NoError(t, b.Subscribe(TopicWitness, received.handler))
	_, err = a.AddPeer(b.ID(), b.ListenAddrs())
	require.NoError(t, err)
	require.Equal(t, 1, a.Peers())
	// execute the function call
	require.NoError(t, a.Publish(context.Background(), TopicWitness, []byte("hello")))
	require.Eventually(t, func() bool { return len(received.get()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{a.ID() + ":hello"}, received.get())
}

func TestIdentity(t *testing.T) {
	encoded, err := NewIdentity()
	require.NoError(t, err)
	priv, err := loadIdentity(encoded)
	require.NoError(t, err)
	again, err := loadIdentity(encoded)
	require.NoError(t, err)
	require.True(t, priv.Equals(again))
	_, err = loadIdentity("not base64!")
	require.Error(t, err)
}
