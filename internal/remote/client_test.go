package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", Origin: "https://app.example", Timeout: 2 * time.Second})
}

func TestSignIn(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, signInPath, r.URL.Path)
		assert.Equal(t, "https://app.example", r.Header.Get("Origin"))
		var body signInRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(signInResponse{Token: "tok-" + body.Username})
	})

	tok, err := c.SignIn(context.Background(), "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-ana", tok)

	_, err = c.SignIn(context.Background(), "ana", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUploadSendsMultipartWithBearer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nota.xml")
	require.NoError(t, os.WriteFile(path, []byte("<nfe/>"), 0o600))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, documentsPath, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "nota.xml", hdr.Filename)
		assert.Equal(t, "<nfe/>", string(data))
		w.WriteHeader(http.StatusCreated)
	})
	require.NoError(t, c.UploadDocument(context.Background(), "tok", path))
}

func TestUploadStatusMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pfx")
	require.NoError(t, os.WriteFile(path, []byte{0x30, 0x82}, 0o600))

	cases := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrUnauthorized) }},
		{http.StatusForbidden, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrUnauthorized) }},
		{http.StatusRequestEntityTooLarge, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrTooLarge) }},
		{http.StatusUnprocessableEntity, func(t *testing.T, err error) {
			var rej *RejectedError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, http.StatusUnprocessableEntity, rej.Status)
			assert.Equal(t, "duplicate", rej.Body)
		}},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusBadGateway, se.Status)
		}},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, certificatesPath, r.URL.Path)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("duplicate\n"))
		})
		tc.check(t, c.UploadCertificate(context.Background(), "tok", path))
	}
}

func TestUploadMissingFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})
	err := c.UploadDocument(context.Background(), "tok", filepath.Join(t.TempDir(), "gone.xml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProviderCountAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/documents/nfe/count":
			_, _ = w.Write([]byte(`{"count":3}`))
		case "/v1/documents/nfe":
			assert.Equal(t, "2", r.URL.Query().Get("offset"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			content := base64.StdEncoding.EncodeToString([]byte("<nfeProc/>"))
			_, _ = w.Write([]byte(`{"documents":[{"key":"k1","content":"` + content + `"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	p := NewProviderClient(ProviderOptions{BaseURL: srv.URL, APIKey: "key"})
	n, err := p.Count(context.Background(), "key", "nfe")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	docs, err := p.Fetch(context.Background(), "key", "nfe", 2, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "k1", docs[0].Key)
	assert.Equal(t, "<nfeProc/>", string(docs[0].Content))

	_, err = p.Count(context.Background(), "bad", "nfe")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
