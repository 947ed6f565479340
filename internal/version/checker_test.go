package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"0.4.0", "0.4.1", true},
		{"0.4.0", "0.4.0", false},
		{"0.4.0", "0.3.9", false},
		{"0.4", "0.4.1", true},
		{"1.0.0", "", false},
		{"v1.2.0", "v1.10.0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNewer(tt.current, tt.latest), "%s -> %s", tt.current, tt.latest)
	}
}

func TestCheckForUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/newer":
			w.Write([]byte(`{"tag_name":"v99.0.0"}`))
		case "/older":
			w.Write([]byte(`{"tag_name":"v0.0.1"}`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	latest, err := CheckForUpdates(ctx, srv.URL+"/newer")
	require.NoError(t, err)
	assert.Equal(t, "99.0.0", latest)

	latest, err = CheckForUpdates(ctx, srv.URL+"/older")
	require.NoError(t, err)
	assert.Empty(t, latest)

	latest, err = CheckForUpdates(ctx, srv.URL+"/missing")
	require.NoError(t, err)
	assert.Empty(t, latest)

	_, err = CheckForUpdates(ctx, srv.URL+"/broken")
	assert.Error(t, err)
}
