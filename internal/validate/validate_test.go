package validate

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
)

type fakeInspector struct {
	size int64
	err  error
}

func (f *fakeInspector) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	if f.err != nil {
		return types.ImageInspect{}, nil, f.err
	}
	return types.ImageInspect{ID: "sha256:abc", Size: f.size}, nil, nil
}

type fakePoster struct {
	resp *gateway.Response
	err  error
	body []byte
}

func (f *fakePoster) Post(_ context.Context, _, _ string, body []byte) (*gateway.Response, error) {
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func jsonResponse(status int, body string) *gateway.Response {
	return &gateway.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
}

func newDefense(inspector *fakeInspector, poster *fakePoster) *Defense {
	cfg := config.DefenseJob{MaxUncompressedSizeMB: 4096}
	return NewDefense(inspector, poster, cfg, zap.NewNop())
}

func TestProbePayloadShape(t *testing.T) {
	p := probePayload()

	require.Len(t, p, 4096)
	assert.True(t, bytes.HasPrefix(p, []byte("MZ")))
	assert.Equal(t, make([]byte, 4094), p[2:])
}

func TestCheckAcceptsConformingDefense(t *testing.T) {
	for _, body := range []string{`{"result":0}`, `{"result":1}`} {
		poster := &fakePoster{resp: jsonResponse(200, body)}
		v := newDefense(&fakeInspector{size: 100 << 20}, poster)

		require.NoError(t, v.Check(context.Background(), "img", "http://mlsec-defense-j1:8080/"))
		assert.Len(t, poster.body, 4096)
	}
}

func TestCheckVerdicts(t *testing.T) {
	cases := []struct {
		name string
		resp *gateway.Response
		want string
	}{
		{
			name: "non-200 status",
			resp: jsonResponse(500, "model exploded"),
			want: "probe returned http 500: model exploded",
		},
		{
			name: "wrong content type",
			resp: &gateway.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       []byte("<b>1</b>"),
			},
			want: `unexpected content type "text/html", want application/json`,
		},
		{
			name: "invalid json",
			resp: jsonResponse(200, "{oops"),
			want: "probe response is not valid JSON:",
		},
		{
			name: "missing result field",
			resp: jsonResponse(200, `{"prediction":1}`),
			want: "probe response missing 'result' field",
		},
		{
			name: "result out of range",
			resp: jsonResponse(200, `{"result":2}`),
			want: "result must be 0 or 1, got 2",
		},
		{
			name: "result fractional",
			resp: jsonResponse(200, `{"result":0.5}`),
			want: "result must be 0 or 1, got 0.5",
		},
		{
			name: "result is a string",
			resp: jsonResponse(200, `{"result":"1"}`),
			want: "result must be 0 or 1, got 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newDefense(&fakeInspector{size: 1 << 20}, &fakePoster{resp: tc.resp})

			err := v.Check(context.Background(), "img", "http://target:8080/")

			var failure *Failure
			require.ErrorAs(t, err, &failure)
			assert.Contains(t, failure.Reason, tc.want)
		})
	}
}

func TestCheckTruncatesLongErrorBodies(t *testing.T) {
	long := strings.Repeat("x", 500)
	v := newDefense(&fakeInspector{size: 1 << 20}, &fakePoster{resp: jsonResponse(503, long)})

	err := v.Check(context.Background(), "img", "http://target:8080/")

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "probe returned http 503: "+long[:200], failure.Reason)
}

func TestCheckImageTooLarge(t *testing.T) {
	v := newDefense(&fakeInspector{size: 5000 << 20}, &fakePoster{})

	err := v.Check(context.Background(), "img", "http://target:8080/")

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "image too large: 5000 MB exceeds limit of 4096 MB", failure.Reason)
}

func TestCheckProbeTransportFailureIsAVerdict(t *testing.T) {
	// The container answered readiness, so a dead socket here means the
	// defense crashed on the probe. That settles the submission.
	v := newDefense(&fakeInspector{size: 1 << 20}, &fakePoster{err: errors.New("connection reset by peer")})

	err := v.Check(context.Background(), "img", "http://target:8080/")

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "probe request failed: connection reset by peer", failure.Reason)
}

func TestCheckInspectFailureIsAPlatformFault(t *testing.T) {
	v := newDefense(&fakeInspector{err: errors.New("daemon gone")}, &fakePoster{})

	err := v.Check(context.Background(), "img", "http://target:8080/")

	require.Error(t, err)
	var failure *Failure
	assert.False(t, errors.As(err, &failure))
}
