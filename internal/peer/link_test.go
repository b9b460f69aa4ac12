package peer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/peer/peertest"
)

func newLink(t *testing.T, engine *peertest.Engine, self, remote string) (*peer.Link, *peertest.Conn) {
	t.Helper()
	conn, err := engine.NewConnection(remote, peer.Handlers{})
	require.NoError(t, err)
	return peer.NewLink(self, remote, conn, zerolog.Nop()), conn.(*peertest.Conn)
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestOffererIsSymmetric(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{
		{"a", "b"},
		{"b", "a"},
		{"alice", "alicia"},
		{"", "x"},
		{"0f8c2e", "0f8c2d"},
		{"Z", "a"},
	}
	for _, p := range pairs {
		require.Equal(t, peer.Offerer(p[0], p[1]), peer.Offerer(p[1], p[0]))
		require.NotEqual(t, peer.IsOfferer(p[0], p[1]), peer.IsOfferer(p[1], p[0]))
	}
	require.Equal(t, "b", peer.Offerer("a", "b"))
}

func TestOfferAnswerReachesStable(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	now := time.Now()

	offerer, _ := newLink(t, engine, "b", "a")
	answerer, _ := newLink(t, engine, "a", "b")
	require.True(t, offerer.IsOfferer())
	require.False(t, answerer.IsOfferer())
	require.True(t, offerer.NeedsOffer(now, time.Second))
	require.False(t, answerer.NeedsOffer(now, time.Second))

	offer, err := offerer.Offer(now)
	require.NoError(t, err)
	require.Equal(t, peer.StateLocalOfferPending, offerer.State())

	_, err = offerer.Offer(now)
	require.ErrorIs(t, err, peer.ErrNegotiating)
	_, err = answerer.Offer(now)
	require.ErrorIs(t, err, peer.ErrNotOfferer)

	answer, err := answerer.ApplyOffer(offer)
	require.NoError(t, err)
	require.Equal(t, peer.StateStable, answerer.State())

	renegotiate, err := offerer.ApplyAnswer(answer)
	require.NoError(t, err)
	require.False(t, renegotiate)
	require.Equal(t, peer.StateStable, offerer.State())
	require.False(t, offerer.NeedsOffer(now, time.Second))

	_, err = offerer.ApplyAnswer(answer)
	require.ErrorIs(t, err, peer.ErrUnexpectedAnswer)
	_, err = offerer.ApplyOffer(offer)
	require.ErrorIs(t, err, peer.ErrUnexpectedOffer)
}

func TestEarlyCandidatesAreFlushedInOrder(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	now := time.Now()

	offerer, _ := newLink(t, engine, "b", "a")
	answerer, conn := newLink(t, engine, "a", "b")

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, answerer.AddCandidate(candidate(c)))
	}
	require.Equal(t, 3, answerer.PendingCandidates())
	require.Empty(t, conn.Candidates())

	offer, err := offerer.Offer(now)
	require.NoError(t, err)
	_, err = answerer.ApplyOffer(offer)
	require.NoError(t, err)
	require.Zero(t, answerer.PendingCandidates())

	require.NoError(t, answerer.AddCandidate(candidate("c4")))
	require.Equal(t,
		[]webrtc.ICECandidateInit{candidate("c1"), candidate("c2"), candidate("c3"), candidate("c4")},
		conn.Candidates())
}

func TestRenegotiationIsCoalesced(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	now := time.Now()

	offerer, conn := newLink(t, engine, "b", "a")
	answerer, _ := newLink(t, engine, "a", "b")

	offer, err := offerer.Offer(now)
	require.NoError(t, err)

	// track changes while the first round is in progress
	require.False(t, offerer.RequestRenegotiation())
	require.False(t, offerer.RequestRenegotiation())
	require.False(t, answerer.RequestRenegotiation())

	answer, err := answerer.ApplyOffer(offer)
	require.NoError(t, err)
	renegotiate, err := offerer.ApplyAnswer(answer)
	require.NoError(t, err)
	require.True(t, renegotiate)
	require.True(t, offerer.NeedsOffer(now, time.Second))

	second, err := offerer.Offer(now)
	require.NoError(t, err)
	require.Equal(t, 2, conn.Offers())
	require.False(t, offerer.NeedsOffer(now, time.Second))

	// an idle stable link renegotiates immediately
	answer, err = answerer.ApplyOffer(second)
	require.NoError(t, err)
	_, err = offerer.ApplyAnswer(answer)
	require.NoError(t, err)
	require.True(t, offerer.RequestRenegotiation())
}

func TestStaleOfferIsResent(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	now := time.Now()

	offerer, conn := newLink(t, engine, "b", "a")
	first, err := offerer.Offer(now)
	require.NoError(t, err)

	require.False(t, offerer.NeedsOffer(now.Add(time.Second), 5*time.Second))
	require.True(t, offerer.NeedsOffer(now.Add(6*time.Second), 5*time.Second))

	again, err := offerer.NextOffer(now.Add(6 * time.Second))
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, conn.Offers())
	require.False(t, offerer.NeedsOffer(now.Add(7*time.Second), 5*time.Second))
}

func TestStaleAnswerIsRejected(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	now := time.Now()

	offerer, conn := newLink(t, engine, "b", "a")
	answerer, _ := newLink(t, engine, "a", "b")

	// the first offer is resent and both copies get answered
	first, err := offerer.Offer(now)
	require.NoError(t, err)
	resent, err := offerer.NextOffer(now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.OfferID, resent.OfferID)

	answer1, err := answerer.ApplyOffer(first)
	require.NoError(t, err)
	answer2, err := answerer.ApplyOffer(resent)
	require.NoError(t, err)
	require.Equal(t, first.OfferID, answer1.OfferID)

	_, err = offerer.ApplyAnswer(answer1)
	require.NoError(t, err)

	require.True(t, offerer.RequestRenegotiation())
	second, err := offerer.Offer(now)
	require.NoError(t, err)
	require.NotEqual(t, first.OfferID, second.OfferID)

	_, err = offerer.ApplyAnswer(answer2)
	require.ErrorIs(t, err, peer.ErrUnexpectedAnswer)
	require.Equal(t, peer.NegotiationLocalOfferPending, offerer.Negotiation())
	require.Len(t, conn.RemoteDescriptions(), 1)

	answer3, err := answerer.ApplyOffer(second)
	require.NoError(t, err)
	_, err = offerer.ApplyAnswer(answer3)
	require.NoError(t, err)
	require.Equal(t, peer.NegotiationStable, offerer.Negotiation())
	require.Len(t, conn.RemoteDescriptions(), 2)
}

func TestFailedRemoteDescriptionKeepsBuffer(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()

	answerer, conn := newLink(t, engine, "a", "b")
	require.NoError(t, answerer.AddCandidate(candidate("c1")))

	boom := errors.New("bad sdp")
	conn.FailRemote = boom
	_, err := answerer.ApplyOffer(peer.Description{
		SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"},
		OfferID:            "o1",
	})
	require.ErrorIs(t, err, boom)
	require.False(t, answerer.RemoteDescriptionSet())
	require.Equal(t, 1, answerer.PendingCandidates())
}

func TestConnectivityAndClose(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()

	link, conn := newLink(t, engine, "a", "b")
	require.Equal(t, peer.StateNew, link.State())

	link.SetConnectivity(webrtc.PeerConnectionStateConnected)
	require.Equal(t, peer.StateConnected, link.State())
	link.SetConnectivity(webrtc.PeerConnectionStateFailed)
	require.Equal(t, peer.StateFailed, link.State())

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	require.True(t, conn.Closed())
	require.Equal(t, peer.StateClosed, link.State())
	require.ErrorIs(t, link.AddCandidate(candidate("late")), peer.ErrClosed)

	link.SetConnectivity(webrtc.PeerConnectionStateConnected)
	require.Equal(t, peer.StateClosed, link.State())
}

func TestTable(t *testing.T) {
	t.Parallel()
	engine := peertest.NewEngine()
	table := peer.NewTable()

	for _, id := range []string{"c", "a", "b"} {
		link, _ := newLink(t, engine, "self", id)
		table.Put(link)
	}
	require.Equal(t, 3, table.Len())
	require.Equal(t, []string{"a", "b", "c"}, table.IDs())

	removed, ok := table.Remove("b")
	require.True(t, ok)
	require.Equal(t, "b", removed.RemoteID())
	_, ok = table.Get("b")
	require.False(t, ok)
	require.Len(t, table.Links(), 2)
}
