package keyfile

import "strconv"

// Priority governs how a missing or present key is treated by Get and
// GetList. The parser itself never consults Priority; it is applied only
// at typed-read time, per component (chroot variant, session record) that
// knows what each key means.
type Priority int

const (
	// Required means a missing key is an error.
	Required Priority = iota
	// Optional means a missing key is simply absent.
	Optional
	// Deprecated means a present key is honoured but a warning is logged.
	Deprecated
	// Obsolete means a present key is discarded (not surfaced to the
	// caller) after a warning is logged.
	Obsolete
	// Disallowed means a present key is an error.
	Disallowed
)

func (p Priority) String() string {
	switch p {
	case Required:
		return "required"
	case Optional:
		return "optional"
	case Deprecated:
		return "deprecated"
	case Obsolete:
		return "obsolete"
	case Disallowed:
		return "disallowed"
	default:
		return "unknown"
	}
}

// Decoder converts a raw string value into T, or reports why it could not.
type Decoder[T any] func(string) (T, error)

// Get reads a single typed value from group/key under the given priority.
// present is false when the key is absent (Optional/Deprecated/Obsolete)
// or when the value was discarded (Obsolete).
func Get[T any](k *KeyFile, groupName, key string, priority Priority, decode Decoder[T]) (value T, present bool, err error) {
	raw, ok := k.GetRaw(groupName, key)

	if !ok {
		if priority == Required {
			err = &MissingRequiredError{Group: groupName, Key: key}
		}
		return value, false, err
	}

	switch priority {
	case Disallowed:
		return value, false, &DisallowedPresentError{Group: groupName, Key: key}
	case Obsolete:
		k.warn("keyfile: %s: obsolete key %q is present and will be discarded", groupName, key)
		return value, false, nil
	case Deprecated:
		k.warn("keyfile: %s: key %q is deprecated", groupName, key)
	}

	value, decErr := decode(raw)
	if decErr != nil {
		return value, false, &DecodeError{Group: groupName, Key: key, Value: raw, Err: decErr}
	}
	return value, true, nil
}

// GetList reads a separator-delimited list of typed values. Empty items
// (produced by leading, trailing or doubled separators) are rejected —
// the format has no escaping, so an empty element can only indicate a
// malformed list.
func GetList[T any](k *KeyFile, groupName, key string, priority Priority, decode Decoder[T]) (values []T, present bool, err error) {
	raw, ok := k.GetRaw(groupName, key)

	if !ok {
		if priority == Required {
			err = &MissingRequiredError{Group: groupName, Key: key}
		}
		return nil, false, err
	}

	switch priority {
	case Disallowed:
		return nil, false, &DisallowedPresentError{Group: groupName, Key: key}
	case Obsolete:
		k.warn("keyfile: %s: obsolete key %q is present and will be discarded", groupName, key)
		return nil, false, nil
	case Deprecated:
		k.warn("keyfile: %s: key %q is deprecated", groupName, key)
	}

	if raw == "" {
		return []T{}, true, nil
	}

	parts := splitOn(raw, k.separator)
	out := make([]T, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, false, &DecodeError{Group: groupName, Key: key, Value: raw, Err: errEmptyListItem}
		}
		v, decErr := decode(part)
		if decErr != nil {
			return nil, false, &DecodeError{Group: groupName, Key: key, Value: part, Err: decErr}
		}
		out = append(out, v)
	}
	return out, true, nil
}

var errEmptyListItem = errListItemEmpty{}

type errListItemEmpty struct{}

func (errListItemEmpty) Error() string { return "list contains an empty item" }

func splitOn(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinOn(items []string, sep byte) string {
	if len(items) == 0 {
		return ""
	}
	var sb []byte
	for i, it := range items {
		if i > 0 {
			sb = append(sb, sep)
		}
		sb = append(sb, it...)
	}
	return string(sb)
}

// SetValue stores a single typed value, encoding it with fmt-style
// stringification for common scalar kinds.
func SetValue[T any](k *KeyFile, groupName, key string, value T, comment string) {
	k.SetRaw(groupName, key, encodeScalar(value), comment)
}

// SetList stores a list of typed values joined by the instance separator.
func SetList[T any](k *KeyFile, groupName, key string, values []T, comment string) {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = encodeScalar(v)
	}
	k.SetRaw(groupName, key, joinOn(parts, k.separator), comment)
}

func encodeScalar[T any](value T) string {
	switch v := any(value).(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return stringerOrEmpty(value)
	}
}

func stringerOrEmpty(value any) string {
	if s, ok := value.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
