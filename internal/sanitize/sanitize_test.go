package sanitize

import (
	"errors"
	"fmt"
	"testing"
)

func validBody(metrics string) []byte {
	return []byte(fmt.Sprintf(`{"deviceId":"dev-001","seq":7,"timestamp":"2026-03-01T12:34:56Z","metrics":%s}`, metrics))
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"valid", `{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{"temp_c":21.5}}`, ""},
		{"not json", `{`, "schema_invalid"},
		{"unknown top-level field", `{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{},"extra":1}`, "schema_unknown_field:extra"},
		{"missing deviceId", `{"seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{}}`, "schema_invalid"},
		{"empty deviceId", `{"deviceId":"","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{}}`, "schema_invalid"},
		{"negative seq", `{"deviceId":"d1","seq":-1,"timestamp":"2026-03-01T12:00:00Z","metrics":{}}`, "schema_invalid"},
		{"seq not a number", `{"deviceId":"d1","seq":"3","timestamp":"2026-03-01T12:00:00Z","metrics":{}}`, "schema_invalid"},
		{"fractional seq", `{"deviceId":"d1","seq":1.5,"timestamp":"2026-03-01T12:00:00Z","metrics":{}}`, "schema_invalid"},
		{"missing timestamp", `{"deviceId":"d1","seq":0,"metrics":{}}`, "schema_invalid"},
		{"metrics not an object", `{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":[]}`, "schema_invalid"},
		{"metric value is object", `{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{"temp_c":{"v":1}}}`, "schema_invalid"},
		{"metric value is bool", `{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{"temp_c":true}}`, "schema_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Validate([]byte(tt.body))
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("Validate() error = %v, want *Error", err)
			}
			if serr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", serr.Code, tt.wantCode)
			}
		})
	}
}

func TestSanitizeDenylist(t *testing.T) {
	tests := []struct {
		name     string
		metrics  string
		wantCode string
	}{
		{"denied field", `{"temp_c":21.5,"ip":"10.0.0.1"}`, "forbidden_field:metrics.ip"},
		{"denied field case-insensitive", `{"temp_c":21.5,"Email":"a@b.c"}`, "forbidden_field:metrics.Email"},
		{"underscore variant", `{"mac_address":"aa"}`, "forbidden_field:metrics.mac_address"},
		{"first sorted key wins", `{"ssid":"x","lat":"y"}`, "forbidden_field:metrics.lat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, decoded, err := Validate(validBody(tt.metrics))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			_, err = Sanitize(payload, decoded)
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("Sanitize() error = %v, want *Error", err)
			}
			if serr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", serr.Code, tt.wantCode)
			}
		})
	}
}

func TestSanitizeEmbeddedIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"ipv4", "gw 192.168.1.1 down", true},
		{"bare ipv4", "10.0.0.1", true},
		{"mac colon", "de:ad:be:ef:00:01", true},
		{"mac dash", "DE-AD-BE-EF-00-01", true},
		{"imei run", "failed for 490154203237518 twice", true},
		{"coordinate pair", "52.2297,21.0122", true},
		{"coordinates spaced", "-33.8688, 151.2093", true},
		{"plain text", "sensor nominal", false},
		{"version string", "2.1.3", false},
		{"short digits", "code 12345", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validBody(fmt.Sprintf(`{"fw_version":%q}`, tt.value))
			payload, decoded, err := Validate(body)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			_, err = Sanitize(payload, decoded)
			var serr *Error
			got := errors.As(err, &serr) && serr.Code == "embedded_identifier_detected"
			if got != tt.want {
				t.Errorf("value %q: detected = %v, want %v (err=%v)", tt.value, got, tt.want, err)
			}
		})
	}
}

func TestSanitizeDeviceIDScanned(t *testing.T) {
	body := []byte(`{"deviceId":"10.0.0.1","seq":0,"timestamp":"2026-03-01T12:00:00Z","metrics":{}}`)
	payload, decoded, err := Validate(body)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := Sanitize(payload, decoded); err == nil {
		t.Error("identifier-shaped deviceId passed sanitization")
	}
}

func TestSanitizeAllowList(t *testing.T) {
	payload, decoded, err := Validate(validBody(`{"temp_c":21.5,"humidity_pct":40,"custom_gauge":3,"battery_pct":88}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clean, err := Sanitize(payload, decoded)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if _, ok := clean.Metrics["custom_gauge"]; ok {
		t.Error("non-allow-listed metric survived")
	}
	if got := clean.Metrics["temp_c"]; got != 21.5 {
		t.Errorf("temp_c = %v (%T), want 21.5 float64", got, got)
	}
	if got := clean.Metrics["humidity_pct"]; got != 40.0 {
		t.Errorf("humidity_pct = %v, want 40", got)
	}
}

func TestSanitizeTimestampFloor(t *testing.T) {
	payload, decoded, err := Validate(validBody(`{"temp_c":1}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clean, err := Sanitize(payload, decoded)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if clean.Timestamp != "2026-03-01T12:34:00.000Z" {
		t.Errorf("Timestamp = %q, want floored minute", clean.Timestamp)
	}
	if got := clean.Metrics["timestamp_minute"]; got != "2026-03-01T12:34:00Z" {
		t.Errorf("timestamp_minute = %v, want 2026-03-01T12:34:00Z", got)
	}
}

func TestSanitizeTimestampOffsetNormalized(t *testing.T) {
	body := []byte(`{"deviceId":"d1","seq":0,"timestamp":"2026-03-01T14:34:56+02:00","metrics":{}}`)
	payload, decoded, err := Validate(body)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clean, err := Sanitize(payload, decoded)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if clean.Timestamp != "2026-03-01T12:34:00.000Z" {
		t.Errorf("Timestamp = %q, want UTC-normalized floor", clean.Timestamp)
	}
}

func TestSanitizeInvalidTimestamp(t *testing.T) {
	body := []byte(`{"deviceId":"d1","seq":0,"timestamp":"yesterday","metrics":{}}`)
	payload, decoded, err := Validate(body)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	_, err = Sanitize(payload, decoded)
	var serr *Error
	if !errors.As(err, &serr) || serr.Code != "invalid_timestamp" {
		t.Errorf("error = %v, want invalid_timestamp", err)
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ok", "OK"},
		{"err_42", "ERR_42"},
		{"weird code!", "WEIRDCODE"},
		{"a:b-c", "A:B-C"},
		{"0123456789012345678901234567890123456789", "01234567890123456789012345678901"},
	}
	for _, tt := range tests {
		if got := normalizeCode(tt.in); got != tt.want {
			t.Errorf("normalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeStatusCodeNormalized(t *testing.T) {
	payload, decoded, err := Validate(validBody(`{"status_code":"ok!","fault_code":"e_17"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clean, err := Sanitize(payload, decoded)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got := clean.Metrics["status_code"]; got != "OK" {
		t.Errorf("status_code = %v, want OK", got)
	}
	if got := clean.Metrics["fault_code"]; got != "E_17" {
		t.Errorf("fault_code = %v, want E_17", got)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	payload, decoded, err := Validate(validBody(`{"temp_c":21.5}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := Sanitize(payload, decoded); err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if _, ok := payload.Metrics["timestamp_minute"]; ok {
		t.Error("Sanitize mutated the input payload")
	}
}
