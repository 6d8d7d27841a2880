package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal encodes v as bencode and returns the resulting bytes. v's shape
// must be one produced by (or accepted by) Decoder.Decode: strings, []byte,
// bools, any integer kind, []any, or map[string]any.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an underlying io.Writer.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v's bencode representation to e's writer.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		n := int64(0)
		if x {
			n = 1
		}
		return e.encodeInt(n)
	case int:
		return e.encodeInt(int64(x))
	case int8:
		return e.encodeInt(int64(x))
	case int16:
		return e.encodeInt(int64(x))
	case int32:
		return e.encodeInt(int64(x))
	case int64:
		return e.encodeInt(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported datatype '%T'", v)
	}
}

func (e *Encoder) writeByte(tok Token) error {
	_, err := e.w.Write([]byte{tok.Byte()})
	return err
}

func (e *Encoder) encodeInt(n int64) error {
	if err := e.writeByte(TokenInteger); err != nil {
		return err
	}

	var digits [32]byte
	if _, err := e.w.Write(strconv.AppendInt(digits[:0], n, 10)); err != nil {
		return err
	}

	return e.writeByte(TokenEnding)
}

func (e *Encoder) encodeUint(n uint64) error {
	if err := e.writeByte(TokenInteger); err != nil {
		return err
	}

	var digits [32]byte
	if _, err := e.w.Write(strconv.AppendUint(digits[:0], n, 10)); err != nil {
		return err
	}

	return e.writeByte(TokenEnding)
}

func (e *Encoder) encodeString(s string) error {
	var digits [32]byte
	if _, err := e.w.Write(strconv.AppendInt(digits[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if err := e.writeByte(TokenStringSeparator); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeList(items []any) error {
	if err := e.writeByte(TokenList); err != nil {
		return err
	}
	for _, v := range items {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.writeByte(TokenEnding)
}

// encodeDict writes m's entries in sorted key order, as bencode dictionaries
// require.
func (e *Encoder) encodeDict(m map[string]any) error {
	if err := e.writeByte(TokenDict); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	return e.writeByte(TokenEnding)
}
