package pprof

import (
	"net/http/httptest"
	"testing"

	logx "chatrelay/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestBindRules(t *testing.T) {
	_, err := New(Config{Addr: "0.0.0.0:6060"}, logx.Nop())
	require.ErrorIs(t, err, ErrInsecureBind)

	_, err = New(Config{Addr: ":6060", Token: "s3cret"}, logx.Nop())
	require.NoError(t, err)

	_, err = New(Config{Addr: ":6060", AllowInsecure: true}, logx.Nop())
	require.NoError(t, err)

	_, err = New(Config{}, logx.Nop())
	require.NoError(t, err)
}

func TestTokenRequired(t *testing.T) {
	svc, err := New(Config{Token: "s3cret"}, logx.Nop())
	require.NoError(t, err)

	resp, err := svc.App().Test(httptest.NewRequest("GET", "/debug/pprof/", nil), -1)
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)

	resp, err = svc.App().Test(httptest.NewRequest("GET", "/debug/pprof/?token=wrong", nil), -1)
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)

	req := httptest.NewRequest("GET", "/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = svc.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}
