package forwarder

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	relayerrors "github.com/relaymux/relaymux/pkg/errors"
)

// inspectBody classifies a 200 response body. It returns KindUnknown when
// the body is a genuine success, otherwise the disguised-failure kind.
//
// Gateways and CDN error pages in front of upstream vendors routinely
// return HTML or JSON error envelopes with a 200 status. Trusting the
// status alone would record these as successes and bill for them.
func inspectBody(header http.Header, body []byte) relayerrors.FailureKind {
	if isHTMLContentType(header.Get("Content-Type")) || sniffHTML(body) {
		return relayerrors.KindFakeSuccessHTML
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		// Not a JSON object. Non-JSON non-HTML payloads pass through; the
		// HTML checks above already caught the dangerous case.
		return relayerrors.KindUnknown
	}

	if raw, ok := doc["error"]; ok && errorFieldPresent(raw) {
		return relayerrors.KindFakeSuccessError
	}

	if !hasContent(doc) {
		return relayerrors.KindMissingContent
	}
	return relayerrors.KindUnknown
}

// inspectable reports whether the body should be read and inspected.
// A well-formed Content-Length above the cap skips deep inspection; a
// malformed one is treated as absent and forces the inspection path.
func inspectable(header http.Header, maxBytes int64) bool {
	raw := header.Get("Content-Length")
	if raw == "" {
		return true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return true
	}
	return maxBytes <= 0 || n <= maxBytes
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// sniffHTML detects an HTML document body regardless of declared type.
func sniffHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) ||
		bytes.HasPrefix(head, []byte("<html")) ||
		bytes.HasPrefix(head, []byte("<head")) ||
		bytes.HasPrefix(head, []byte("<body"))
}

// errorFieldPresent reports whether a top-level error field carries actual
// content: null, "", {}, and [] all count as absent.
func errorFieldPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return false
	case bytes.Equal(trimmed, []byte("null")):
		return false
	case bytes.Equal(trimmed, []byte(`""`)):
		return false
	case bytes.Equal(trimmed, []byte("{}")):
		return false
	case bytes.Equal(trimmed, []byte("[]")):
		return false
	}
	return true
}

// hasContent checks the success envelope for its payload: either a
// top-level content field or content inside the first choice.
func hasContent(doc map[string]json.RawMessage) bool {
	if raw, ok := doc["content"]; ok && nonEmptyValue(raw) {
		return true
	}

	rawChoices, ok := doc["choices"]
	if !ok {
		return false
	}
	var choices []struct {
		Text    json.RawMessage `json:"text"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		Delta struct {
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(rawChoices, &choices); err != nil || len(choices) == 0 {
		return false
	}
	for _, c := range choices {
		if nonEmptyValue(c.Message.Content) || nonEmptyValue(c.Delta.Content) || nonEmptyValue(c.Text) {
			return true
		}
	}
	return false
}

func nonEmptyValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		return false
	}
	return true
}
