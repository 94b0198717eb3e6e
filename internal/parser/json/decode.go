// Package json decodes dataset API response bodies into table.RawBatch values.
package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"opendata/internal/table"
)

// ErrUnsupportedShape is returned when the body is valid JSON but neither an
// array-of-arrays (header row + data rows) nor an array-of-objects.
var ErrUnsupportedShape = errors.New("json: unsupported document shape")

// Decode reads one JSON document from r and returns it as a RawBatch.
//
// Accepted shapes:
//   - [[h1,h2,...],[v1,v2,...],...]  header-row form (Census). Row widths are
//     not checked here; Normalize owns that.
//   - [{...},{...}]                 object-list form (Socrata).
//   - {"<key>":[{...}], ...}        envelope: the first array field is used.
//   - []                            empty object list.
//
// Numbers are kept as json.Number so the coercion step sees the exact text.
// null array elements are skipped.
//
// Errors:
//   - syntax errors are wrapped with position context.
//   - anything but whitespace after the root value is an error.
//   - a mixed array (objects and arrays) returns ErrUnsupportedShape.
func Decode(r io.Reader) (table.RawBatch, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return table.RawBatch{}, fmt.Errorf("json: empty body: %w", io.ErrUnexpectedEOF)
		}
		return table.RawBatch{}, fmt.Errorf("json: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return table.RawBatch{}, fmt.Errorf("%w: root is %T", ErrUnsupportedShape, tok)
	}

	switch d {
	case '[':
		b, err := decodeArray(dec)
		if err != nil {
			return table.RawBatch{}, err
		}
		if err := expectDelim(dec, ']'); err != nil {
			return table.RawBatch{}, err
		}
		if err := expectEOF(dec); err != nil {
			return table.RawBatch{}, err
		}
		return b, nil

	case '{':
		b, err := decodeEnvelope(dec)
		if err != nil {
			return table.RawBatch{}, err
		}
		if err := expectEOF(dec); err != nil {
			return table.RawBatch{}, err
		}
		return b, nil

	default:
		return table.RawBatch{}, fmt.Errorf("json: unexpected root delimiter %q", d)
	}
}

// decodeArray consumes the elements of the current array ('[' already read).
// The first non-null element fixes the shape.
func decodeArray(dec *json.Decoder) (table.RawBatch, error) {
	var (
		b        table.RawBatch
		isRows   bool
		isObject bool
		index    int
	)

	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return table.RawBatch{}, fmt.Errorf("json: decode element %d: %w", index, err)
		}
		index++
		if raw == nil {
			continue
		}

		switch v := raw.(type) {
		case []any:
			if isObject {
				return table.RawBatch{}, fmt.Errorf("%w: element %d is an array in an object list", ErrUnsupportedShape, index-1)
			}
			if !isRows {
				isRows = true
				hdr, err := headerFrom(v)
				if err != nil {
					return table.RawBatch{}, err
				}
				b.Header = hdr
				continue
			}
			b.Rows = append(b.Rows, v)

		case map[string]any:
			if isRows {
				return table.RawBatch{}, fmt.Errorf("%w: element %d is an object in a header-row array", ErrUnsupportedShape, index-1)
			}
			isObject = true
			b.Records = append(b.Records, v)

		default:
			return table.RawBatch{}, fmt.Errorf("%w: element %d is %T", ErrUnsupportedShape, index-1, raw)
		}
	}

	if !isRows && b.Records == nil {
		b.Records = []map[string]any{}
	}
	if isRows && b.Rows == nil {
		b.Rows = [][]any{}
	}
	return b, nil
}

func headerFrom(v []any) ([]string, error) {
	hdr := make([]string, len(v))
	for i, c := range v {
		s, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf("%w: header cell %d is %T, want string", ErrUnsupportedShape, i, c)
		}
		hdr[i] = s
	}
	return hdr, nil
}

// decodeEnvelope walks a root object ('{' already read) and returns the first
// field whose value is an array. Remaining fields are skipped.
func decodeEnvelope(dec *json.Decoder) (table.RawBatch, error) {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return table.RawBatch{}, fmt.Errorf("json: read object key: %w", err)
		}
		if _, ok := keyTok.(string); !ok {
			return table.RawBatch{}, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return table.RawBatch{}, fmt.Errorf("json: read object value: %w", err)
		}
		if delim, ok := valTok.(json.Delim); ok && delim == '[' {
			b, err := decodeArray(dec)
			if err != nil {
				return table.RawBatch{}, err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return table.RawBatch{}, err
			}
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return table.RawBatch{}, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := skipNextValue(dec); err != nil {
					return table.RawBatch{}, err
				}
			}
			if err := expectDelim(dec, '}'); err != nil {
				return table.RawBatch{}, err
			}
			return b, nil
		}
		if err := skipValueFromFirstToken(dec, valTok); err != nil {
			return table.RawBatch{}, err
		}
	}
	return table.RawBatch{}, fmt.Errorf("%w: object without an array field", ErrUnsupportedShape)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// expectEOF fails when anything but whitespace follows the root value.
func expectEOF(dec *json.Decoder) error {
	tok, err := dec.Token()
	switch {
	case err == io.EOF:
		return nil
	case err != nil:
		return fmt.Errorf("json: after root value: %w", err)
	default:
		return fmt.Errorf("json: unexpected %v after root value", tok)
	}
}

// skipNextValue skips the next JSON value without materializing it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value token: %w", err)
	}
	return skipValueFromFirstToken(dec, tok)
}

func skipValueFromFirstToken(dec *json.Decoder, tok any) error {
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("json: skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, '}')
	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')
	default:
		return fmt.Errorf("json: unexpected delimiter %q", d)
	}
}
