package dht

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Bencode codec for KRPC messages. Decoding produces map[string]any with
// string values for byte strings and int64 for integers, which the KRPC
// layer converts into typed structs.

// ErrBencode indicates malformed bencoded input.
var ErrBencode = errors.New("malformed bencode")

// bencodeDecode parses one bencoded value from data and returns it together
// with the number of bytes consumed.
func bencodeDecode(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrBencode
	}

	switch {
	case data[0] >= '0' && data[0] <= '9':
		return decodeBenString(data)
	case data[0] == 'i':
		return decodeBenInteger(data)
	case data[0] == 'l':
		return decodeBenList(data)
	case data[0] == 'd':
		return decodeBenDict(data)
	default:
		return nil, 0, fmt.Errorf("%w: unexpected byte %q", ErrBencode, data[0])
	}
}

func decodeBenString(data []byte) (string, int, error) {
	colon := bytes.IndexByte(data, ':')
	if colon < 1 {
		return "", 0, fmt.Errorf("%w: string missing colon", ErrBencode)
	}
	length, err := strconv.Atoi(string(data[:colon]))
	if err != nil || length < 0 {
		return "", 0, fmt.Errorf("%w: bad string length", ErrBencode)
	}
	end := colon + 1 + length
	if end > len(data) {
		return "", 0, fmt.Errorf("%w: string truncated", ErrBencode)
	}
	return string(data[colon+1 : end]), end, nil
}

func decodeBenInteger(data []byte) (int64, int, error) {
	end := bytes.IndexByte(data, 'e')
	if end < 2 {
		return 0, 0, fmt.Errorf("%w: integer unterminated", ErrBencode)
	}
	n, err := strconv.ParseInt(string(data[1:end]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad integer", ErrBencode)
	}
	return n, end + 1, nil
}

func decodeBenList(data []byte) ([]any, int, error) {
	list := make([]any, 0, 4)
	off := 1
	for {
		if off >= len(data) {
			return nil, 0, fmt.Errorf("%w: list unterminated", ErrBencode)
		}
		if data[off] == 'e' {
			return list, off + 1, nil
		}
		item, n, err := bencodeDecode(data[off:])
		if err != nil {
			return nil, 0, err
		}
		list = append(list, item)
		off += n
	}
}

func decodeBenDict(data []byte) (map[string]any, int, error) {
	dict := make(map[string]any)
	off := 1
	for {
		if off >= len(data) {
			return nil, 0, fmt.Errorf("%w: dict unterminated", ErrBencode)
		}
		if data[off] == 'e' {
			return dict, off + 1, nil
		}
		key, n, err := decodeBenString(data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		value, n, err := bencodeDecode(data[off:])
		if err != nil {
			return nil, 0, err
		}
		dict[key] = value
		off += n
	}
}

// bencodeEncode serializes a value built from string, []byte, integers,
// []any and map[string]any. Dictionary keys are emitted in sorted order as
// the format requires.
func bencodeEncode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.WriteString(val)
	case []byte:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case int:
		writeBenInt(buf, int64(val))
	case int64:
		writeBenInt(buf, val)
	case uint16:
		writeBenInt(buf, int64(val))
	case uint32:
		writeBenInt(buf, int64(val))
	case []any:
		buf.WriteByte('l')
		for _, item := range val {
			if err := bencodeEncode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			if err := bencodeEncode(buf, k); err != nil {
				return err
			}
			if err := bencodeEncode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

func writeBenInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

// BencodeMarshal serializes a value into bencode form.
func BencodeMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencodeEncode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BencodeUnmarshal parses a complete bencoded document. Trailing bytes are
// a decode error, matching the one-message-per-datagram framing of KRPC.
func BencodeUnmarshal(data []byte) (any, error) {
	v, n, err := bencodeDecode(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBencode, len(data)-n)
	}
	return v, nil
}
