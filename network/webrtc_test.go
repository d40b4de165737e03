package network

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectLoopback negotiates two in-process peer connections without a
// signaling server. Hosts without a usable loopback interface skip.
func connectLoopback(t *testing.T) (*DataChannel, *DataChannel) {
	t.Helper()

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})

	remote := make(chan *DataChannel, 1)
	answerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		remote <- NewDataChannel(dc)
	})

	dc, err := offerer.CreateDataChannel("peerlink", nil)
	require.NoError(t, err)
	local := NewDataChannel(dc)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	offerGathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-offerGathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	answerGathered := webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-answerGathered
	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))

	select {
	case <-local.Opened():
	case <-time.After(10 * time.Second):
		t.Skip("ICE did not connect over loopback")
	}

	select {
	case r := <-remote:
		<-r.Opened()
		return local, r
	case <-time.After(10 * time.Second):
		t.Skip("remote data channel never announced")
	}
	return nil, nil
}

func TestDataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc negotiation is slow")
	}
	local, remote := connectLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, local.Send([]byte("over sctp")))
	got, err := remote.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over sctp", string(got))

	local.SetBufferedAmountLowThreshold(1024)
	require.NoError(t, local.Close())
	select {
	case <-local.Done():
	case <-ctx.Done():
		t.Fatal("local channel did not close")
	}
	assert.ErrorIs(t, local.Send([]byte("late")), ErrChannelClosed)
}
