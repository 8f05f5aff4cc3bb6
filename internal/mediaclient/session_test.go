package mediaclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"

func newFakeRtpEngine(t *testing.T, deleteCount *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token/rtpengine", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-123"}`))
	})
	mux.HandleFunc("/rtpengine/offer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/rtpengine/res/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(validSDP))
	})
	mux.HandleFunc("/rtpengine/answer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/rtpengine/res/2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(validSDP))
	})
	mux.HandleFunc("/rtpengine/res/1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if deleteCount != nil {
				deleteCount.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/rtpengine/res/2", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			if deleteCount != nil {
				deleteCount.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}
	})
	return httptest.NewServer(mux)
}

func TestOfferSession_CreateAndAnswer(t *testing.T) {
	var deletes atomic.Int32
	srv := newFakeRtpEngine(t, &deletes)
	defer srv.Close()

	s := NewOfferSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "caller"}, srv.Client(), testLogger())
	ctx := context.Background()

	sdp, err := s.CreateOffer(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sdp)

	require.NoError(t, s.SetAnswer(ctx, []byte(validSDP)))
	assert.True(t, s.Answered())

	// Double answer is a no-op, not an error.
	require.NoError(t, s.SetAnswer(ctx, []byte(validSDP)))
}

func TestOfferSession_CloseDeletesCreatedResource(t *testing.T) {
	var deletes atomic.Int32
	srv := newFakeRtpEngine(t, &deletes)
	defer srv.Close()

	s := NewOfferSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "caller"}, srv.Client(), testLogger())
	_, err := s.CreateOffer(context.Background())
	require.NoError(t, err)

	s.Close()
	require.Eventually(t, func() bool { return deletes.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Closing twice must not double-delete.
	s.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), deletes.Load())
}

func TestOfferSession_CloseWithoutCreateDoesNothing(t *testing.T) {
	var deletes atomic.Int32
	srv := newFakeRtpEngine(t, &deletes)
	defer srv.Close()

	s := NewOfferSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "caller"}, srv.Client(), testLogger())
	s.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), deletes.Load())
}

func TestAnswerSession_CreateAnswerRejectsInvalidSDP(t *testing.T) {
	srv := newFakeRtpEngine(t, nil)
	defer srv.Close()

	s := NewAnswerSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "callee"}, srv.Client(), testLogger())
	_, err := s.CreateAnswer(context.Background(), []byte("not sdp"))
	require.Error(t, err)
}

func TestAnswerSession_CreateAnswerSucceeds(t *testing.T) {
	var deletes atomic.Int32
	srv := newFakeRtpEngine(t, &deletes)
	defer srv.Close()

	s := NewAnswerSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "callee"}, srv.Client(), testLogger())
	sdp, err := s.CreateAnswer(context.Background(), []byte(validSDP))
	require.NoError(t, err)
	assert.NotEmpty(t, sdp)

	s.Close()
	require.Eventually(t, func() bool { return deletes.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestOfferSession_MissingLocationIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token/rtpengine", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	})
	mux.HandleFunc("/rtpengine/offer", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated) // no Location header
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewOfferSession(srv.URL, "secret", StreamingInfo{Room: "r1", Peer: "caller"}, srv.Client(), testLogger())
	_, err := s.CreateOffer(context.Background())
	require.Error(t, err)
}
