package forwarder

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	relayerrors "github.com/relaymux/relaymux/pkg/errors"
)

func TestInspectBody_HTMLByContentType(t *testing.T) {
	h := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	kind := inspectBody(h, []byte(`{"content":"looks fine"}`))
	assert.Equal(t, relayerrors.KindFakeSuccessHTML, kind)
}

func TestInspectBody_HTMLBySniffDespiteJSONContentType(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}
	kind := inspectBody(h, []byte("\n  <!DOCTYPE html><html><body>502 Bad Gateway</body></html>"))
	assert.Equal(t, relayerrors.KindFakeSuccessHTML, kind)
}

func TestInspectBody_ErrorField(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}

	kind := inspectBody(h, []byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	assert.Equal(t, relayerrors.KindFakeSuccessError, kind)

	kind = inspectBody(h, []byte(`{"error":"upstream exploded","content":"x"}`))
	assert.Equal(t, relayerrors.KindFakeSuccessError, kind)
}

func TestInspectBody_EmptyErrorFieldIgnored(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}

	for _, body := range []string{
		`{"error":null,"content":"ok"}`,
		`{"error":"","content":"ok"}`,
		`{"error":{},"content":"ok"}`,
		`{"error":[],"content":"ok"}`,
	} {
		kind := inspectBody(h, []byte(body))
		assert.Equal(t, relayerrors.KindUnknown, kind, "body %s", body)
	}
}

func TestInspectBody_MissingContent(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}

	kind := inspectBody(h, []byte(`{"id":"resp-1","model":"m"}`))
	assert.Equal(t, relayerrors.KindMissingContent, kind)

	kind = inspectBody(h, []byte(`{"choices":[{"message":{"role":"assistant"}}]}`))
	assert.Equal(t, relayerrors.KindMissingContent, kind)
}

func TestInspectBody_ContentPresent(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}

	for _, body := range []string{
		`{"content":"hello"}`,
		`{"content":[{"type":"text","text":"hello"}]}`,
		`{"choices":[{"message":{"content":"hello"}}]}`,
		`{"choices":[{"delta":{"content":"h"}}]}`,
		`{"choices":[{"text":"hello"}]}`,
	} {
		kind := inspectBody(h, []byte(body))
		assert.Equal(t, relayerrors.KindUnknown, kind, "body %s", body)
	}
}

func TestInspectable_ContentLengthHandling(t *testing.T) {
	cases := []struct {
		name string
		cl   string
		want bool
	}{
		{"absent", "", true},
		{"well formed small", "128", true},
		{"well formed above cap", "999999", false},
		{"malformed treated as absent", "12abc", true},
		{"negative treated as absent", "-5", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.cl != "" {
				h.Set("Content-Length", tc.cl)
			}
			assert.Equal(t, tc.want, inspectable(h, 1024))
		})
	}
}
