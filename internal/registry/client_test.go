package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusesCurrentPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cdr-register/v1/all/data-recipients/status", r.URL.Path)
		require.Equal(t, "2", r.Header.Get("x-v"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "admin", user)
		require.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"legalEntityId":"dr-1","status":"ACTIVE"},{"legalEntityId":"dr-2","status":"SUSPENDED"},{"status":"ACTIVE"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Username: "admin", Password: "secret"}, nil)
	require.NoError(t, err)

	records, err := client.Statuses(context.Background(), DataRecipients)
	require.NoError(t, err)
	require.Equal(t, []StatusRecord{
		{EntityID: "dr-1", Status: "ACTIVE"},
		{EntityID: "dr-2", Status: "SUSPENDED"},
	}, records)
}

func TestStatusesLegacyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sp", r.URL.Path)
		require.Equal(t, "1", r.Header.Get("x-v"))
		_, _ = w.Write([]byte(`{"softwareProducts":[{"softwareProductId":"sp-1","softwareProductStatus":"INACTIVE"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:  srv.URL,
		Paths:    map[Kind]string{SoftwareProducts: "/sp"},
		Versions: map[Kind]string{SoftwareProducts: "1"},
	}, nil)
	require.NoError(t, err)

	records, err := client.Statuses(context.Background(), SoftwareProducts)
	require.NoError(t, err)
	require.Equal(t, []StatusRecord{{EntityID: "sp-1", Status: "INACTIVE"}}, records)
}

func TestStatusesFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusBadGateway, payload: `{}`},
		{name: "invalid json", status: http.StatusOK, payload: `not json`},
		{name: "missing list", status: http.StatusOK, payload: `{"meta":{}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer srv.Close()

			client, err := NewClient(Config{BaseURL: srv.URL}, nil)
			require.NoError(t, err)
			_, err = client.Statuses(context.Background(), DataRecipients)
			require.Error(t, err)
		})
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial refused")
}

func TestStatusesTransportError(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://register.example"}, failingDoer{})
	require.NoError(t, err)
	_, err = client.Statuses(context.Background(), DataRecipients)
	require.ErrorContains(t, err, "dial refused")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "ftp://register"}, nil)
	require.Error(t, err)
}

func TestStatusesUnknownKind(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://register.example"}, failingDoer{})
	require.NoError(t, err)
	_, err = client.Statuses(context.Background(), Kind("brands"))
	require.Error(t, err)
}
