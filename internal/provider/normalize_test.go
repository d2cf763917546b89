package provider

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeQR(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n"))

	tests := map[string]struct {
		body string
		want string
	}{
		"qr_image":              {body: `{"qr_image": "` + png + `"}`, want: png},
		"qrcode":                {body: `{"qrcode": "` + png + `"}`, want: png},
		"data uri":              {body: `{"qr_data_url": "data:image/png;base64,` + png + `"}`, want: png},
		"whitespace is removed": {body: `{"image": " ` + png[:4] + `\n` + png[4:] + ` "}`, want: png},
		"nested data":           {body: `{"status": 1, "data": {"qr": "` + png + `"}}`, want: png},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := decodeFields([]byte(tc.body))
			require.NoError(t, err)

			got, err := normalizeQR(f)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("ok, raw payload is rendered", func(t *testing.T) {
		f, err := decodeFields([]byte(`{"qr_text": "00020101021238570010A0000007270127"}`))
		require.NoError(t, err)

		got, err := normalizeQR(f)
		require.NoError(t, err)

		img, err := base64.StdEncoding.DecodeString(got)
		require.NoError(t, err)
		require.Equal(t, "\x89PNG", string(img[:4]))
	})

	t.Run("fail, no qr field", func(t *testing.T) {
		f, err := decodeFields([]byte(`{"amount": 100}`))
		require.NoError(t, err)

		_, err = normalizeQR(f)
		require.ErrorIs(t, err, errNoQR)
	})

	t.Run("fail, not base64", func(t *testing.T) {
		f, err := decodeFields([]byte(`{"qr_image": "%%%"}`))
		require.NoError(t, err)

		_, err = normalizeQR(f)
		require.Error(t, err)
	})
}

func TestParseBool(t *testing.T) {
	for raw, want := range map[string]bool{
		`true`:      true,
		`1`:         true,
		`"1"`:       true,
		`"PAID"`:    true,
		`"success"`: true,
		`false`:     false,
		`0`:         false,
		`"0"`:       false,
		`"waiting"`: false,
		`null`:      false,
	} {
		require.Equal(t, want, parseBool(json.RawMessage(raw)), raw)
	}
}

func TestParseInt(t *testing.T) {
	for raw, want := range map[string]int64{
		`10037`:   10037,
		`"10037"`: 10037,
		`100.0`:   100,
		`" 42 "`:  42,
	} {
		got, ok := parseInt(json.RawMessage(raw))
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	_, ok := parseInt(json.RawMessage(`"abc"`))
	require.False(t, ok)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	require.True(t, want.Equal(parseTime(json.RawMessage(`"2026-05-04T03:02:01Z"`))))
	require.True(t, want.Equal(parseTime(json.RawMessage(`"2026-05-04 03:02:01"`))))
	require.True(t, want.Equal(parseTime(json.RawMessage(`1777863721`))))
	require.True(t, parseTime(json.RawMessage(`"soon"`)).IsZero())
}
