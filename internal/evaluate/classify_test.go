package evaluate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
)

// classifyLoop builds a Loop with just enough wiring for classify calls.
func classifyLoop(serverURL string, timeout time.Duration, blobs *blobstore.Memory) *Loop {
	return NewLoop(Params{
		Target: "http://mlsec-defense-x:8080/",
		Blobs:  blobs,
		Poster: gateway.NewClient(serverURL, "secret", timeout),
		Log:    zap.NewNop(),
	})
}

func storedFile(blobs *blobstore.Memory) *db.AttackFile {
	blobs.Put("attacks/f1", []byte("malicious bytes"))
	return &db.AttackFile{ObjectKey: "attacks/f1", Filename: "f1.exe"}
}

func TestClassifyResponses(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		wantOutput *int
		wantErr    string
	}{
		{
			name: "benign verdict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"result":0}`))
			},
			wantOutput: intp(0),
		},
		{
			name: "malware verdict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"result":1}`))
			},
			wantOutput: intp(1),
		},
		{
			name: "http error with truncated body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(strings.Repeat("x", 500)))
			},
			wantErr: "http 500: " + strings.Repeat("x", 200),
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{oops"))
			},
			wantErr: "parse error:",
		},
		{
			name: "missing result field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"prediction":1}`))
			},
			wantErr: "parse error: missing 'result' field",
		},
		{
			name: "prediction out of range",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"result":2}`))
			},
			wantErr: "invalid prediction: 2",
		},
		{
			name: "prediction is a string",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"result":"1"}`))
			},
			wantErr: "invalid prediction: 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()
			blobs := blobstore.NewMemory()
			loop := classifyLoop(server.URL, 2*time.Second, blobs)

			output, errMsg, elapsed := loop.classify(context.Background(), storedFile(blobs))

			if tc.wantOutput != nil {
				require.NotNil(t, output)
				assert.Equal(t, *tc.wantOutput, *output)
				assert.Empty(t, errMsg)
			} else {
				assert.Nil(t, output)
				assert.Contains(t, errMsg, tc.wantErr)
			}
			assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		})
	}
}

func TestClassifyBlobMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the defense")
	}))
	defer server.Close()
	loop := classifyLoop(server.URL, time.Second, blobstore.NewMemory())

	output, errMsg, elapsed := loop.classify(context.Background(), &db.AttackFile{ObjectKey: "attacks/gone"})

	assert.Nil(t, output)
	assert.True(t, strings.HasPrefix(errMsg, "blob download failed: "), errMsg)
	assert.Zero(t, elapsed)
}

func TestClassifyTimeoutIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()
	blobs := blobstore.NewMemory()
	loop := classifyLoop(server.URL, 100*time.Millisecond, blobs)

	output, errMsg, _ := loop.classify(context.Background(), storedFile(blobs))

	assert.Nil(t, output)
	assert.Equal(t, "http timeout", errMsg)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClassifyConnectionErrorRetriedOnce(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Kill the connection before any response bytes.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":1}`))
	}))
	defer server.Close()
	blobs := blobstore.NewMemory()
	loop := classifyLoop(server.URL, 2*time.Second, blobs)

	output, errMsg, _ := loop.classify(context.Background(), storedFile(blobs))

	require.NotNil(t, output)
	assert.Equal(t, 1, *output)
	assert.Empty(t, errMsg)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClassifyPersistentConnectionError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()
	blobs := blobstore.NewMemory()
	loop := classifyLoop(server.URL, 2*time.Second, blobs)

	output, errMsg, _ := loop.classify(context.Background(), storedFile(blobs))

	assert.Nil(t, output)
	assert.True(t, strings.HasPrefix(errMsg, "connection error: "), errMsg)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClassifyConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()
	blobs := blobstore.NewMemory()
	loop := classifyLoop(url, time.Second, blobs)

	output, errMsg, _ := loop.classify(context.Background(), storedFile(blobs))

	assert.Nil(t, output)
	assert.True(t, strings.HasPrefix(errMsg, "connection error: "), errMsg)
	assert.Contains(t, errMsg, "refused")
}

func TestOutcomeClass(t *testing.T) {
	cases := map[string]string{
		"":                           "ok",
		"blob download failed: gone": "blob",
		"http timeout":               "timeout",
		"connection error: reset":    "connection",
		"http 503: overloaded":       "http",
		"parse error: bad json":      "parse",
		"invalid prediction: 7":      "invalid",
	}
	for msg, want := range cases {
		assert.Equal(t, want, outcomeClass(msg), msg)
	}
}

func intp(n int) *int { return &n }
