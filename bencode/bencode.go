// This package defines a bencode encoding/decoding library using `bencode:".."`
// struct tags to map fields to dictionary keys. It supports fixed-byte arrays,
// byte slices, unsigned and signed integers, strings, slices, maps and nested
// structs. Decoding is defensive: malformed or truncated input always returns a
// *DecodeError and never panics, since callers treat decode failure as a
// recoverable condition.
package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Serialize a ptr to a bencode-encoded byte slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("bencode: expected a pointer, got %s", val.Kind())
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, val.Elem()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes buf into the pointer target t. The entire buffer must be
// consumed.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Ptr {
		return fmt.Errorf("bencode: expected a pointer, got %s", val.Kind())
	}
	r := &reader{buf: buf}
	out, err := r.readValue(val.Type().Elem())
	if err != nil {
		return err
	}
	val.Elem().Set(out)
	if r.pos != len(r.buf) {
		return newDecodeError("expected to be at end of buffer, at %d of %d", r.pos, len(r.buf))
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		n := uint64(0)
		if v.Bool() {
			n = 1
		}
		writeUint(buf, n)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteByte(numberStart)
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		buf.WriteByte(bencodeEnd)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		writeUint(buf, v.Uint())
		return nil
	case reflect.String:
		writeBytes(buf, []byte(v.String()))
		return nil
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			writeBytes(buf, b)
			return nil
		}
		buf.WriteByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := writeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte(bencodeEnd)
		return nil
	case reflect.Map:
		return writeMap(buf, v)
	case reflect.Struct:
		return writeStruct(buf, v)
	case reflect.Pointer:
		return writeValue(buf, reflect.Indirect(v))
	default:
		return fmt.Errorf("bencode: cannot serialize kind %s", v.Kind())
	}
}

func writeUint(buf *bytes.Buffer, n uint64) {
	buf.WriteByte(numberStart)
	buf.WriteString(strconv.FormatUint(n, 10))
	buf.WriteByte(bencodeEnd)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(bytesLengthSep)
	buf.Write(b)
}

func writeMap(buf *bytes.Buffer, v reflect.Value) error {
	keys := v.MapKeys()
	encoded := make([][]byte, len(keys))
	order := make([]int, len(keys))
	for i, k := range keys {
		var kb bytes.Buffer
		if err := writeValue(&kb, k); err != nil {
			return err
		}
		encoded[i] = kb.Bytes()
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return bytes.Compare(encoded[order[a]], encoded[order[b]]) < 0
	})
	buf.WriteByte(dictStart)
	for _, i := range order {
		buf.Write(encoded[i])
		if err := writeValue(buf, v.MapIndex(keys[i])); err != nil {
			return err
		}
	}
	buf.WriteByte(bencodeEnd)
	return nil
}

// taggedFields returns exported fields keyed by bencode tag, in tag order.
func taggedFields(ty reflect.Type) ([]string, map[string]reflect.StructField, error) {
	fields := make(map[string]reflect.StructField)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		t := f.Tag.Get("bencode")
		if t == "" {
			return nil, nil, fmt.Errorf("bencode: field %s.%s has no bencode tag", ty.Name(), f.Name)
		}
		fields[t] = f
		names = append(names, t)
	}
	sort.Strings(names)
	return names, fields, nil
}

func writeStruct(buf *bytes.Buffer, v reflect.Value) error {
	names, fields, err := taggedFields(v.Type())
	if err != nil {
		return err
	}
	buf.WriteByte(dictStart)
	for _, name := range names {
		writeBytes(buf, []byte(name))
		if err := writeValue(buf, v.FieldByIndex(fields[name].Index)); err != nil {
			return err
		}
	}
	buf.WriteByte(bencodeEnd)
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, newDecodeError("unexpected end of buffer at %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

func (r *reader) readDigits() ([]byte, error) {
	start := r.pos
	for r.pos < len(r.buf) && r.buf[r.pos] >= '0' && r.buf[r.pos] <= '9' {
		r.pos++
	}
	if r.pos == start {
		return nil, newDecodeError("expected digits at %d", start)
	}
	return r.buf[start:r.pos], nil
}

func (r *reader) readInt() (int64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	neg := false
	if c, err := r.peek(); err != nil {
		return 0, err
	} else if c == '-' {
		neg = true
		r.pos++
	}
	digits, err := r.readDigits()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, newDecodeError("bad number: %s", err)
	}
	if neg {
		if val == 0 {
			return 0, newDecodeError("negative 0 not allowed")
		}
		val = -val
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (r *reader) readUint() (uint64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	digits, err := r.readDigits()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return 0, newDecodeError("bad number: %s", err)
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (r *reader) readBytes() ([]byte, error) {
	digits, err := r.readDigits()
	if err != nil {
		return nil, err
	}
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, newDecodeError("bad length: %s", err)
	}
	if r.pos+l > len(r.buf) {
		return nil, newDecodeError("byte string of length %d overruns buffer at %d", l, r.pos)
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

func (r *reader) readValue(t reflect.Type) (reflect.Value, error) {
	var zero reflect.Value
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return zero, err
		}
		if num > 1 {
			return zero, newDecodeError("expected 0 or 1, got %d", num)
		}
		return reflect.ValueOf(num == 1), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, err := r.readInt()
		if err != nil {
			return zero, err
		}
		if reflect.Zero(t).OverflowInt(num) {
			return zero, newDecodeError("number %d overflows %s", num, t.Kind())
		}
		v := reflect.New(t).Elem()
		v.SetInt(num)
		return v, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		num, err := r.readUint()
		if err != nil {
			return zero, err
		}
		if reflect.Zero(t).OverflowUint(num) {
			return zero, newDecodeError("number %d overflows %s", num, t.Kind())
		}
		v := reflect.New(t).Elem()
		v.SetUint(num)
		return v, nil
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return zero, err
		}
		v := reflect.New(t).Elem()
		v.SetString(string(b))
		return v, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return zero, err
			}
			out := reflect.MakeSlice(t, len(b), len(b))
			reflect.Copy(out, reflect.ValueOf(b))
			return out, nil
		}
		return r.readList(t)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return zero, err
			}
			if len(b) != t.Len() {
				return zero, newDecodeError("expected %d bytes for %s, got %d", t.Len(), t, len(b))
			}
			out := reflect.New(t).Elem()
			reflect.Copy(out, reflect.ValueOf(b))
			return out, nil
		}
		return zero, newDecodeError("cannot decode into non-byte array %s", t)
	case reflect.Map:
		if err := r.expectByte(dictStart); err != nil {
			return zero, err
		}
		m := reflect.MakeMap(t)
		for {
			c, err := r.peek()
			if err != nil {
				return zero, err
			}
			if c == bencodeEnd {
				break
			}
			key, err := r.readValue(t.Key())
			if err != nil {
				return zero, err
			}
			val, err := r.readValue(t.Elem())
			if err != nil {
				return zero, err
			}
			m.SetMapIndex(key, val)
		}
		r.pos++
		return m, nil
	case reflect.Struct:
		return r.readStruct(t)
	case reflect.Pointer:
		out, err := r.readValue(t.Elem())
		if err != nil {
			return zero, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(out)
		return v, nil
	default:
		return zero, newDecodeError("cannot decode kind %s", t.Kind())
	}
}

func (r *reader) readList(t reflect.Type) (reflect.Value, error) {
	var zero reflect.Value
	if err := r.expectByte(listStart); err != nil {
		return zero, err
	}
	out := reflect.MakeSlice(t, 0, 0)
	for {
		c, err := r.peek()
		if err != nil {
			return zero, err
		}
		if c == bencodeEnd {
			break
		}
		val, err := r.readValue(t.Elem())
		if err != nil {
			return zero, err
		}
		out = reflect.Append(out, val)
	}
	r.pos++
	return out, nil
}

func (r *reader) readStruct(t reflect.Type) (reflect.Value, error) {
	var zero reflect.Value
	names, fields, err := taggedFields(t)
	if err != nil {
		return zero, err
	}
	if err := r.expectByte(dictStart); err != nil {
		return zero, err
	}
	out := reflect.New(t).Elem()
	for _, name := range names {
		key, err := r.readBytes()
		if err != nil {
			return zero, err
		}
		if string(key) != name {
			return zero, newDecodeError("missing key %s, got %s", name, key)
		}
		val, err := r.readValue(fields[name].Type)
		if err != nil {
			return zero, err
		}
		out.FieldByIndex(fields[name].Index).Set(val)
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return zero, err
	}
	return out, nil
}
