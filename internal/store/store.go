// Package store implements the durable, lock-protected JSON document
// store: portfolio state, trade/cycle history, performance reports, manual
// override, bot control and alerts. Every operation acquires an OS-level
// advisory file lock so an external admin process reading the same files
// never observes a torn write.
package store

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"

	"golang.org/x/sys/unix"

	"github.com/nof1ai/perpengine/internal/logger"
)

// Document path constants, relative to the store's data directory.
const (
	PortfolioState    = "portfolio_state.json"
	TradeHistory      = "trade_history.json"
	CycleHistory      = "cycle_history.json"
	PerformanceReport = "performance_report.json"
	ManualOverride    = "manual_override.json"
	BotControl        = "bot_control.json"
	Alerts            = "alerts.json"
)

// Store reads and writes JSON documents under a data directory.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Read loads the JSON document at name into out. A missing or zero-byte
// document is a no-op, leaving out at its zero value (the caller's default).
func (s *Store) Read(name string, out interface{}) error {
	path := s.path(name)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		return err
	}
	defer unlock(f)

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	return json.NewDecoder(f).Decode(sanitizedDecodeTarget(out))
}

// Write serializes value as JSON and replaces the document at name
// atomically under an exclusive lock. NaN/±Inf are sanitized to null.
func (s *Store) Write(name string, value interface{}) error {
	path := s.path(name)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(sanitize(value), "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return err
	}
	defer unlock(f)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return nil
}

// ReadAndDelete reads a document and removes it atomically, used for the
// manual-override handoff: read-and-delete once per cycle.
func (s *Store) ReadAndDelete(name string, out interface{}) (bool, error) {
	path := s.path(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return false, err
	}
	defer unlock(f)

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		os.Remove(path)
		return false, nil
	}
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		logger.Warnf("removing %s after read: %v", name, err)
	}
	return true, nil
}

// AppendLine appends one newline-delimited JSON object to name (alerts.json
// style), under an exclusive lock.
func (s *Store) AppendLine(name string, value interface{}) error {
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return err
	}
	defer unlock(f)

	data, err := json.Marshal(sanitize(value))
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func lockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// sanitizedDecodeTarget exists so Read's signature stays symmetrical with
// json.Unmarshal-style callers; no transformation needed on decode.
func sanitizedDecodeTarget(out interface{}) interface{} { return out }

// sanitize walks an arbitrary value (struct, map, slice, or pointer tree)
// by reflection, replacing NaN/±Inf floats with nil so the JSON encoder
// never errors on an unrepresentable number.
func sanitize(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return sanitizeValue(reflect.ValueOf(v))
}

func sanitizeValue(rv reflect.Value) interface{} {
	// types that marshal themselves (time.Time, json.RawMessage) are passed
	// through untouched; walking their unexported fields would corrupt them
	if rv.IsValid() && rv.CanInterface() {
		if _, ok := rv.Interface().(json.Marshaler); ok {
			return rv.Interface()
		}
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitizeValue(rv.Elem())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			name, omitempty, skip := jsonFieldName(field)
			if skip {
				continue
			}
			val := sanitizeValue(rv.Field(i))
			if omitempty && isEmptyJSON(rv.Field(i)) {
				continue
			}
			out[name] = val
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		for _, key := range rv.MapKeys() {
			out[toMapKeyString(key)] = sanitizeValue(rv.MapIndex(key))
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeValue(rv.Index(i))
		}
		return out
	default:
		if !rv.IsValid() {
			return nil
		}
		return rv.Interface()
	}
}

func jsonFieldName(f reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = f.Name
	if tag != "" {
		parts := splitComma(tag)
		if parts[0] != "" {
			name = parts[0]
		}
		for _, opt := range parts[1:] {
			if opt == "omitempty" {
				omitempty = true
			}
		}
	}
	return name, omitempty, false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func isEmptyJSON(rv reflect.Value) bool {
	return rv.IsZero()
}

func toMapKeyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return reflect.ValueOf(k.Interface()).String()
}
