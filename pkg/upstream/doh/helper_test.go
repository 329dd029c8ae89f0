package doh

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(addr, host string)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	f(req.URL.Host, req.Host)
	return nil, errors.New("not implemented")
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	return req
}
