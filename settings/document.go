package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidDocument is returned when a patch is not a JSON object.
var ErrInvalidDocument = errors.New("invalid settings document")

// Document keys.
const (
	KeyGatewayServer   = "http.gateway_server"
	KeyHMACSecret      = "http.hmac_secret"
	KeySensorPaths     = "http.sensor_paths"
	KeyMQTTServer      = "mqtt.server"
	KeyMQTTTopicPrefix = "mqtt.topic_prefix"
	KeyMQTTUsername    = "mqtt.username"
	KeyMQTTPassword    = "mqtt.password"
	KeyFlagServer      = "admin.flag_server"
	KeyFlagServerPort  = "admin.flag_server_port"
	KeyAdminUsername   = "admin.username"
	KeyAdminPassword   = "admin.password"
	KeyOperatingMode   = "admin.operating_mode"
	KeyWebPort         = "admin.web_ui_port"
	KeyUpdateInterval  = "thermometers.update_interval"
	KeyPollInterval    = "thermometers.poll_interval"
	KeySensorBusPin    = "thermometers.sensor_bus_pin"
	KeyDeviceAliases   = "thermometers.aliases"
)

type field struct {
	key   string
	apply func(s *Settings, raw json.RawMessage) error
	value func(s *Settings) interface{}
}

// fields is in canonical document order.
var fields = []field{
	stringField(KeyGatewayServer, func(s *Settings) *string { return &s.GatewayServer }),
	stringField(KeyHMACSecret, func(s *Settings) *string { return &s.HMACSecret }),
	mapField(KeySensorPaths, func(s *Settings) *map[string]string { return &s.SensorPaths }),
	stringField(KeyMQTTServer, func(s *Settings) *string { return &s.MQTTServer }),
	stringField(KeyMQTTTopicPrefix, func(s *Settings) *string { return &s.MQTTTopicPrefix }),
	stringField(KeyMQTTUsername, func(s *Settings) *string { return &s.MQTTUsername }),
	stringField(KeyMQTTPassword, func(s *Settings) *string { return &s.MQTTPassword }),
	stringField(KeyFlagServer, func(s *Settings) *string { return &s.FlagServer }),
	uint16Field(KeyFlagServerPort, func(s *Settings) *uint16 { return &s.FlagServerPort }),
	stringField(KeyAdminUsername, func(s *Settings) *string { return &s.AdminUsername }),
	stringField(KeyAdminPassword, func(s *Settings) *string { return &s.AdminPassword }),
	{
		key: KeyOperatingMode,
		apply: func(s *Settings, raw json.RawMessage) error {
			str, err := decodeString(raw)
			if err != nil {
				return err
			}
			mode, err := ParseOperatingMode(str)
			if err != nil {
				return err
			}
			s.OperatingMode = mode
			return nil
		},
		value: func(s *Settings) interface{} { return string(s.OperatingMode) },
	},
	uint16Field(KeyWebPort, func(s *Settings) *uint16 { return &s.WebPort }),
	uint32Field(KeyUpdateInterval, func(s *Settings) *uint32 { return &s.UpdateInterval }),
	uint32Field(KeyPollInterval, func(s *Settings) *uint32 { return &s.PollInterval }),
	{
		key: KeySensorBusPin,
		apply: func(s *Settings, raw json.RawMessage) error {
			n, err := decodeInt(raw, math.MinInt32, math.MaxInt32)
			if err != nil {
				return err
			}
			s.SensorBusPin = int(n)
			return nil
		},
		value: func(s *Settings) interface{} { return s.SensorBusPin },
	},
	mapField(KeyDeviceAliases, func(s *Settings) *map[string]string { return &s.DeviceAliases }),
}

var fieldsByKey = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.key] = f
	}
	return m
}()

// Keys returns every recognised document key in canonical order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// ParseOperatingMode accepts "deep_sleep" and "always_on" in any case.
func ParseOperatingMode(s string) (OperatingMode, error) {
	switch OperatingMode(strings.ToLower(strings.TrimSpace(s))) {
	case DeepSleep:
		return DeepSleep, nil
	case AlwaysOn:
		return AlwaysOn, nil
	}
	return "", fmt.Errorf("unknown operating mode %q", s)
}

// KeyError reports a recognised key whose value could not be applied.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// apply merges doc into s and returns the keys applied and the keys that
// were recognised but rejected. Unknown keys are ignored.
func apply(s *Settings, doc []byte) ([]string, []*KeyError, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil || top == nil {
		if err == nil {
			err = errors.New("document is null")
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	flat := make(map[string]flatValue)
	flatten("", 0, top, flat)

	var applied []string
	var rejected []*KeyError
	for _, f := range fields {
		v, ok := flat[f.key]
		if !ok || isNull(v.raw) {
			continue
		}
		if err := f.apply(s, v.raw); err != nil {
			rejected = append(rejected, &KeyError{Key: f.key, Err: err})
			continue
		}
		applied = append(applied, f.key)
	}
	return applied, rejected, nil
}

type flatValue struct {
	raw json.RawMessage
	// depth is how deeply the key was nested; a top-level dotted key is 0.
	depth int
}

// flatten turns {"admin":{"username":"a"}} into {"admin.username":"a"}.
// Recursion stops at recognised keys so map fields keep their children.
func flatten(prefix string, depth int, in map[string]json.RawMessage, out map[string]flatValue) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := in[k]
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if _, known := fieldsByKey[key]; known {
			next := flatValue{raw: v, depth: depth}
			if prev, dup := out[key]; dup {
				next = combine(prev, next)
			}
			out[key] = next
			continue
		}
		if !hasKeyPrefix(key + ".") {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil && nested != nil {
			flatten(key, depth+1, nested, out)
		}
	}
}

// combine resolves a key spelled both dotted and nested in one document.
// Two objects are merged child by child. Otherwise, and for children present
// in both, the shallower spelling wins.
func combine(prev, next flatValue) flatValue {
	win, lose := prev, next
	if next.depth < prev.depth {
		win, lose = next, prev
	}
	var winObj, loseObj map[string]json.RawMessage
	if json.Unmarshal(win.raw, &winObj) != nil || json.Unmarshal(lose.raw, &loseObj) != nil ||
		winObj == nil || loseObj == nil {
		return win
	}
	for k, v := range winObj {
		loseObj[k] = v
	}
	merged, err := json.Marshal(loseObj)
	if err != nil {
		return win
	}
	return flatValue{raw: merged, depth: win.depth}
}

func hasKeyPrefix(prefix string) bool {
	for _, f := range fields {
		if strings.HasPrefix(f.key, prefix) {
			return true
		}
	}
	return false
}

// encode renders s with keys in canonical order.
func encode(s *Settings, pretty bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(f.key)
		v, err := json.Marshal(f.value(s))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')

	if !pretty {
		return buf.Bytes(), nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func stringField(key string, ptr func(*Settings) *string) field {
	return field{
		key: key,
		apply: func(s *Settings, raw json.RawMessage) error {
			str, err := decodeString(raw)
			if err != nil {
				return err
			}
			*ptr(s) = str
			return nil
		},
		value: func(s *Settings) interface{} { return *ptr(s) },
	}
}

func uint16Field(key string, ptr func(*Settings) *uint16) field {
	return field{
		key: key,
		apply: func(s *Settings, raw json.RawMessage) error {
			n, err := decodeInt(raw, 0, math.MaxUint16)
			if err != nil {
				return err
			}
			*ptr(s) = uint16(n)
			return nil
		},
		value: func(s *Settings) interface{} { return *ptr(s) },
	}
}

func uint32Field(key string, ptr func(*Settings) *uint32) field {
	return field{
		key: key,
		apply: func(s *Settings, raw json.RawMessage) error {
			n, err := decodeInt(raw, 0, math.MaxUint32)
			if err != nil {
				return err
			}
			*ptr(s) = uint32(n)
			return nil
		},
		value: func(s *Settings) interface{} { return *ptr(s) },
	}
}

// mapField edits a map incrementally: children with an empty (or null)
// value are deleted, others inserted or overwritten, the rest untouched.
func mapField(key string, ptr func(*Settings) *map[string]string) field {
	return field{
		key: key,
		apply: func(s *Settings, raw json.RawMessage) error {
			var children map[string]json.RawMessage
			if err := json.Unmarshal(raw, &children); err != nil {
				return fmt.Errorf("expected an object: %w", err)
			}
			values := make(map[string]string, len(children))
			for child, v := range children {
				if isNull(v) {
					values[child] = ""
					continue
				}
				str, err := decodeString(v)
				if err != nil {
					return fmt.Errorf("%s: %w", child, err)
				}
				values[child] = str
			}

			m := ptr(s)
			if *m == nil {
				*m = map[string]string{}
			}
			for child, str := range values {
				if str == "" {
					delete(*m, child)
				} else {
					(*m)[child] = str
				}
			}
			return nil
		},
		value: func(s *Settings) interface{} {
			m := *ptr(s)
			if m == nil {
				return map[string]string{}
			}
			return m
		},
	}
}

// decodeString accepts a JSON string, or a bare number/bool rendered as text.
func decodeString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var scalar interface{}
	if err := json.Unmarshal(trimmed, &scalar); err != nil {
		return "", err
	}
	switch scalar.(type) {
	case float64, bool:
		return string(trimmed), nil
	}
	return "", fmt.Errorf("expected a string, got %s", trimmed)
}

// decodeInt accepts a JSON integer or a string holding one, since form
// submissions send every value as text.
func decodeInt(raw json.RawMessage, min, max int64) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	text := string(trimmed)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("expected an integer, got %s", trimmed)
		}
		n = int64(f)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
