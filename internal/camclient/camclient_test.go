package camclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyEndpointYieldsNilClient(t *testing.T) {
	assert.Nil(t, New(""))
}

func TestSendECM_FoundDecodesControlWords(t *testing.T) {
	var gotReq ecmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ecmReply{
			Found:  true,
			EvenCW: "0102030405060708",
			OddCW:  "1112131415161718",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NotNil(t, c)

	reqID := uuid.New()
	resp, err := c.SendECM(context.Background(), reqID, 0x1234, 0x101, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	assert.True(t, resp.Found)
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, resp.EvenCW)
	assert.Equal(t, [8]byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}, resp.OddCW)

	assert.Equal(t, reqID.String(), gotReq.RequestID)
	assert.Equal(t, uint16(0x1234), gotReq.CAID)
	assert.Equal(t, uint16(0x101), gotReq.ECMPid)
	assert.Equal(t, "deadbeef", gotReq.ECM)
}

func TestSendECM_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ecmReply{Found: false})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.SendECM(context.Background(), uuid.New(), 0x1234, 0x101, []byte{0x01})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Zero(t, resp.EvenCW)
}

func TestSendECM_MalformedControlWordErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ecmReply{Found: true, EvenCW: "not-hex", OddCW: "1112131415161718"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.SendECM(context.Background(), uuid.New(), 0x1234, 0x101, []byte{0x01})
	assert.Error(t, err)
}

func TestDecodeCW(t *testing.T) {
	var out [8]byte
	require.NoError(t, decodeCW("0102030405060708", &out))
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, out)

	assert.Error(t, decodeCW("zz", &out))
	assert.Error(t, decodeCW("0102", &out)) // wrong length
}
