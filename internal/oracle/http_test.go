package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientGet(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Path == "/v1/get/0000000000000010/414c494345" {
			w.Write(EncodeEnvelope([]byte{0x2a}))
			return
		}
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	raw, err := c.Get(context.Background(), "", 16, []byte("ALICE"))
	require.NoError(t, err)
	assert.Equal(t, "/v1/get/0000000000000010/414c494345", gotPath)
	payload, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2a}, payload)

	_, err = c.Get(context.Background(), srv.URL+"/", 17, []byte("ALICE"))
	assert.Error(t, err)
}

func TestHTTPClientNoEndpoint(t *testing.T) {
	_, err := NewHTTPClient("", time.Second).Get(context.Background(), "", 8, nil)
	assert.Error(t, err)
}
