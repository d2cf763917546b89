package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
)

// The provider has shipped the QR image under each of these names.
var qrImageKeys = []string{"qr_image", "qrcode", "qr_code", "qr", "qr_base64", "qr_data_url", "image"}

// Raw payment strings that still need to be rendered as an image.
var qrTextKeys = []string{"qr_text", "qr_string", "qr_content"}

const qrImageSize = 256

var errNoQR = errors.New("no qr field in provider response")

// fields is a loosely typed provider response. Nested "data" objects are
// flattened into the top level.
type fields map[string]json.RawMessage

func decodeFields(body []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, err
	}
	if raw, ok := f["data"]; ok && len(raw) > 0 && raw[0] == '{' {
		var inner fields
		if err := json.Unmarshal(raw, &inner); err == nil {
			for k, v := range inner {
				if k == "status" && f.has("status") {
					continue
				}
				f[k] = v
			}
		}
	}
	return f, nil
}

func (f fields) has(key string) bool {
	raw, ok := f[key]
	return ok && !bytes.Equal(raw, []byte("null"))
}

func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numbers and booleans come through as their literal text
	return strings.Trim(string(raw), `"`)
}

func (f fields) int(key string) (int64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	return parseInt(raw)
}

func (f fields) bool(key string) bool {
	raw, ok := f[key]
	if !ok {
		return false
	}
	return parseBool(raw)
}

func (f fields) time(key string) time.Time {
	raw, ok := f[key]
	if !ok {
		return time.Time{}
	}
	return parseTime(raw)
}

func parseInt(raw json.RawMessage) (int64, bool) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(strings.TrimSpace(t))
	default:
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	if f, err := n.Float64(); err == nil {
		return int64(f), true
	}
	return 0, false
}

func parseBool(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "paid", "success", "completed":
			return true
		}
	}
	return false
}

func parseTime(raw json.RawMessage) time.Time {
	if i, ok := parseInt(raw); ok && i > 0 {
		return time.Unix(i, 0).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "02/01/2006 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeQR returns the QR image as bare base64 regardless of which field
// the provider used. Raw payment strings are rendered as a PNG first.
func normalizeQR(f fields) (string, error) {
	for _, key := range qrImageKeys {
		v := f.str(key)
		if v == "" {
			continue
		}
		img := stripDataURI(v)
		if _, err := base64.StdEncoding.DecodeString(img); err != nil {
			return "", fmt.Errorf("field %s is not base64: %w", key, err)
		}
		return img, nil
	}

	for _, key := range qrTextKeys {
		v := strings.TrimSpace(f.str(key))
		if v == "" {
			continue
		}
		png, err := qrcode.Encode(v, qrcode.Medium, qrImageSize)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", key, err)
		}
		return base64.StdEncoding.EncodeToString(png), nil
	}

	return "", errNoQR
}

func stripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i != -1 {
			s = s[i+1:]
		}
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}

// statusOK reports whether the provider envelope signals success (status 1).
func statusOK(f fields) bool {
	if !f.has("status") {
		return false
	}
	code, ok := f.int("status")
	return ok && code == 1
}

func statusCode(f fields) int {
	code, _ := f.int("status")
	return int(code)
}
