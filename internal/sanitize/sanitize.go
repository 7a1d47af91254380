// Package sanitize validates raw telemetry payloads against a strict schema
// and rebuilds them into a sanitized form that carries no personally
// identifying content. Every check fails closed: a denylisted field name or
// an embedded identifier anywhere in the payload rejects the whole request.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Error is a sanitization-class failure with a stable wire code.
type Error struct {
	// Code is the stable wire code, e.g. "forbidden_field:metrics.ip".
	Code string
}

func (e *Error) Error() string {
	return e.Code
}

// Errf builds a sanitization error from a code format.
func Errf(format string, args ...interface{}) *Error {
	return &Error{Code: fmt.Sprintf(format, args...)}
}

// RawPayload is the ephemeral wire shape of one telemetry submission. It is
// never persisted; only the sanitized form leaves this package.
type RawPayload struct {
	DeviceID  string
	Seq       int64
	Timestamp string
	Metrics   map[string]interface{}
}

// Telemetry is the sanitized output: allow-listed metrics only, timestamp
// floored to the minute.
type Telemetry struct {
	DeviceID  string
	Seq       int64
	Timestamp string
	Metrics   map[string]interface{}
}

// deniedFields are property names whose presence anywhere in the payload is
// fatal, regardless of the allow-list applied afterwards.
var deniedFields = map[string]struct{}{
	"name": {}, "full_name": {}, "fullname": {},
	"address": {}, "street": {}, "city": {},
	"phone": {}, "phone_number": {}, "email": {},
	"ip": {}, "ip_address": {}, "ipaddr": {},
	"mac": {}, "mac_address": {},
	"serial": {}, "serial_number": {}, "imei": {}, "imsi": {},
	"gps": {}, "lat": {}, "lng": {}, "lon": {},
	"latitude": {}, "longitude": {}, "location": {},
	"ssid": {}, "hostname": {},
	"raw_payload": {}, "raw": {}, "free_text": {}, "freetext": {},
	"notes": {}, "comment": {},
}

// allowedMetrics is the fixed set of metric keys that survive sanitization.
// Values must be numeric or string.
var allowedMetrics = map[string]struct{}{
	"temp_c": {}, "temperature": {}, "humidity_pct": {}, "pressure_hpa": {},
	"battery_pct": {}, "rssi_dbm": {}, "uptime_s": {}, "cpu_pct": {},
	"mem_pct": {}, "disk_pct": {}, "error_count": {}, "sample_count": {},
	"throughput_kbps": {}, "fw_version": {}, "status_code": {}, "fault_code": {},
}

// embeddedIdentifier matches string values that smuggle identifiers past the
// field-name denylist: IPv4 addresses, MAC addresses, 14-16 digit numeric
// runs (IMEI-like), and decimal coordinate pairs.
var embeddedIdentifier = regexp.MustCompile(strings.Join([]string{
	`(?:^|[^0-9.])(?:\d{1,3}\.){3}\d{1,3}(?:[^0-9.]|$)`,
	`(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}`,
	`(?:^|[^0-9])\d{14,16}(?:[^0-9]|$)`,
	`-?\d{1,3}\.\d{3,}\s*,\s*-?\d{1,3}\.\d{3,}`,
}, "|"))

// codeCharset strips everything outside [A-Z0-9_:-] from normalized codes.
var codeCharset = regexp.MustCompile(`[^A-Z0-9_:-]`)

const maxCodeLength = 32

var topLevelFields = map[string]struct{}{
	"deviceId": {}, "seq": {}, "timestamp": {}, "metrics": {},
}

// Validate decodes and schema-checks a request body. Unknown top-level
// fields are rejected. It returns the typed payload plus the fully decoded
// body for the recursive denylist walk.
func Validate(body []byte) (*RawPayload, map[string]interface{}, error) {
	var decoded map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, nil, Errf("schema_invalid")
	}

	for field := range decoded {
		if _, ok := topLevelFields[field]; !ok {
			return nil, nil, Errf("schema_unknown_field:%s", field)
		}
	}

	deviceID, ok := decoded["deviceId"].(string)
	if !ok || deviceID == "" {
		return nil, nil, Errf("schema_invalid")
	}

	seqNum, ok := decoded["seq"].(json.Number)
	if !ok {
		return nil, nil, Errf("schema_invalid")
	}
	seq, err := seqNum.Int64()
	if err != nil || seq < 0 {
		return nil, nil, Errf("schema_invalid")
	}

	timestamp, ok := decoded["timestamp"].(string)
	if !ok || timestamp == "" {
		return nil, nil, Errf("schema_invalid")
	}

	rawMetrics, ok := decoded["metrics"].(map[string]interface{})
	if !ok {
		return nil, nil, Errf("schema_invalid")
	}
	metrics := make(map[string]interface{}, len(rawMetrics))
	for k, v := range rawMetrics {
		switch v.(type) {
		case json.Number, string:
			metrics[k] = v
		default:
			return nil, nil, Errf("schema_invalid")
		}
	}

	return &RawPayload{
		DeviceID:  deviceID,
		Seq:       seq,
		Timestamp: timestamp,
		Metrics:   metrics,
	}, decoded, nil
}

// Sanitize runs the denylist walk and identifier scan over the decoded body,
// then rebuilds the metric set from the allow-list and floors the timestamp
// to its minute. Pure: neither input is mutated.
func Sanitize(payload *RawPayload, decoded map[string]interface{}) (*Telemetry, error) {
	if err := walk("", decoded); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return nil, Errf("invalid_timestamp")
	}
	floored := ts.UTC().Truncate(time.Minute)

	metrics := make(map[string]interface{})
	for key, value := range payload.Metrics {
		if _, ok := allowedMetrics[key]; !ok {
			continue
		}
		if key == "status_code" || key == "fault_code" {
			str, ok := value.(string)
			if !ok {
				str = fmt.Sprint(value)
			}
			metrics[key] = normalizeCode(str)
			continue
		}
		if num, ok := value.(json.Number); ok {
			if f, err := num.Float64(); err == nil {
				metrics[key] = f
				continue
			}
		}
		metrics[key] = value
	}
	metrics["timestamp_minute"] = floored.Format(time.RFC3339)

	return &Telemetry{
		DeviceID:  payload.DeviceID,
		Seq:       payload.Seq,
		Timestamp: floored.Format("2006-01-02T15:04:05.000Z07:00"),
		Metrics:   metrics,
	}, nil
}

// walk recursively checks every property name against the denylist and every
// string value against the embedded identifier pattern.
func walk(path string, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		// Deterministic error selection when multiple fields are denylisted.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if _, denied := deniedFields[strings.ToLower(key)]; denied {
				return Errf("forbidden_field:%s", childPath)
			}
			if err := walk(childPath, v[key]); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, item := range v {
			if err := walk(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case string:
		if path == "timestamp" {
			// RFC-3339 text never matches, skip the scan cost.
			return nil
		}
		if embeddedIdentifier.MatchString(v) {
			return Errf("embedded_identifier_detected")
		}
	}
	return nil
}

// normalizeCode upper-cases a status or fault code, strips characters
// outside [A-Z0-9_:-], and truncates to 32 characters.
func normalizeCode(code string) string {
	normalized := codeCharset.ReplaceAllString(strings.ToUpper(code), "")
	if len(normalized) > maxCodeLength {
		normalized = normalized[:maxCodeLength]
	}
	return normalized
}
