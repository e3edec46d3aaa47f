package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStore) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, os.ErrNotExist)
	}
	return data, nil
}

func (m *memoryStore) Write(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return "mem://" + bucket + "/" + key, nil
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Ref
		wantErr bool
	}{
		{"plain path", "scripts/step.js", Ref{Scheme: SchemeFile, Key: "scripts/step.js"}, false},
		{"file url", "file:///opt/step.js", Ref{Scheme: SchemeFile, Key: "/opt/step.js"}, false},
		{"azure", "az://code/steps/double.js", Ref{Scheme: SchemeAzure, Bucket: "code", Key: "steps/double.js"}, false},
		{"gcs upper scheme", "GS://models/a.js", Ref{Scheme: SchemeGCS, Bucket: "models", Key: "a.js"}, false},
		{"missing key", "az://code", Ref{}, true},
		{"empty", "  ", Ref{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouterDispatchesByScheme(t *testing.T) {
	store := &memoryStore{objects: map[string][]byte{"code/a.js": []byte("x = 1")}}
	router := NewRouter(zap.NewNop())
	router.Register("AZ", store)

	data, err := router.Read(context.Background(), "az://code/a.js")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))

	_, err = router.Read(context.Background(), "az://code/missing.js")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = router.Read(context.Background(), "gs://bucket/a.js")
	assert.ErrorContains(t, err, `no object store registered for scheme "gs"`)

	loc, err := router.Write(context.Background(), "az://out/result.json", []byte("{}"), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "mem://out/result.json", loc)
}

func TestRouterLocalFiles(t *testing.T) {
	router := NewRouter(nil)
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	loc, err := router.Write(context.Background(), path, []byte(`[1]`), "")
	require.NoError(t, err)
	assert.Equal(t, path, loc)

	data, err := router.Read(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(data))

	_, err = router.Read(context.Background(), filepath.Join(t.TempDir(), "absent.js"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewAzureBlobClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name             string
		connectionString string
		logger           *zap.Logger
		errContains      string
	}{
		{"nil logger", "AccountName=test;AccountKey=dGVzdA==", nil, "logger is required"},
		{"empty connection string", "", logger, "connection string is required"},
		{"missing key", "AccountName=test", logger, "account name and key are required"},
		{"azurite endpoint", "AccountName=devstoreaccount1;AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1", logger, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.logger)
			if tt.errContains != "" {
				assert.ErrorContains(t, err, tt.errContains)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", client.serviceURL)
		})
	}
}

func TestAzureBlobClientRoundTrip(t *testing.T) {
	conn := os.Getenv("CONDUIT_TEST_AZURE_CONNECTION_STRING")
	if conn == "" {
		t.Skip("CONDUIT_TEST_AZURE_CONNECTION_STRING not set - skipping Azure round trip")
	}
	logger, _ := zap.NewDevelopment()
	client, err := NewAzureBlobClient(conn, logger)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Write(ctx, "conduit-test", "steps/roundtrip.js", []byte("out = 1"), "application/javascript")
	require.NoError(t, err)

	data, err := client.Read(ctx, "conduit-test", "steps/roundtrip.js")
	require.NoError(t, err)
	assert.Equal(t, "out = 1", string(data))

	_, err = client.Read(ctx, "conduit-test", "steps/absent.js")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
