// Package der provides a bounds-checked cursor for walking DER encoded
// structures found in ICAO 9303 objects.
//
// A Cursor is a read position over an immutable byte slice. Every read
// either succeeds and advances the cursor, or fails with an *Error and
// leaves the cursor exactly where it was.
package der

import (
	"bytes"
	encasn1 "encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Common errors
var (
	ErrTruncated     = errors.New("truncated DER data")
	ErrUnexpectedTag = errors.New("unexpected DER tag")
	ErrMalformed     = errors.New("malformed DER element")
	ErrTrailingData  = errors.New("trailing data after DER element")
)

// Error describes a failed read, including the offset of the element that
// could not be consumed.
type Error struct {
	Op     string
	Offset int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("der: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cursor walks a DER buffer.
type Cursor struct {
	s    cryptobyte.String
	base int
	size int
}

// NewCursor returns a cursor positioned at the start of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{s: cryptobyte.String(data), size: len(data)}
}

// Offset returns the absolute offset of the cursor in the original buffer.
func (c *Cursor) Offset() int {
	return c.base + c.size - len(c.s)
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.s)
}

// Empty reports whether every byte has been consumed.
func (c *Cursor) Empty() bool {
	return c.s.Empty()
}

// Bytes returns the unread bytes without consuming them.
func (c *Cursor) Bytes() []byte {
	return []byte(c.s)
}

// PeekTag reports whether the next element carries the given tag.
func (c *Cursor) PeekTag(tag asn1.Tag) bool {
	return c.s.PeekASN1Tag(tag)
}

// NextTag returns the tag of the next element without consuming it.
func (c *Cursor) NextTag() (asn1.Tag, bool) {
	if len(c.s) == 0 {
		return 0, false
	}
	return asn1.Tag(c.s[0]), true
}

func (c *Cursor) fail(op string, err error) error {
	return &Error{Op: op, Offset: c.Offset(), Err: err}
}

// tagError distinguishes a wrong tag from a short buffer.
func (c *Cursor) tagError(op string, tag asn1.Tag) error {
	if len(c.s) == 0 {
		return c.fail(op, ErrTruncated)
	}
	if asn1.Tag(c.s[0]) != tag {
		return c.fail(op, fmt.Errorf("%w: want 0x%02x, got 0x%02x", ErrUnexpectedTag, uint8(tag), c.s[0]))
	}
	return c.fail(op, ErrTruncated)
}

func (c *Cursor) child(contents cryptobyte.String, headerLen int) *Cursor {
	return &Cursor{s: contents, base: c.Offset() + headerLen, size: len(contents)}
}

// ReadElement consumes the next element, which must carry tag, and returns
// a cursor over its contents.
func (c *Cursor) ReadElement(tag asn1.Tag) (*Cursor, error) {
	next := c.s
	var full cryptobyte.String
	if !next.ReadASN1Element(&full, tag) {
		return nil, c.tagError("read element", tag)
	}
	var contents cryptobyte.String
	hdr := full
	if !hdr.ReadASN1(&contents, tag) {
		return nil, c.fail("read element", ErrMalformed)
	}
	sub := c.child(contents, len(full)-len(contents))
	c.s = next
	return sub, nil
}

// ReadRawElement consumes the next element, which must carry tag, and
// returns its complete encoding including the header.
func (c *Cursor) ReadRawElement(tag asn1.Tag) ([]byte, error) {
	next := c.s
	var full cryptobyte.String
	if !next.ReadASN1Element(&full, tag) {
		return nil, c.tagError("read raw element", tag)
	}
	c.s = next
	return []byte(full), nil
}

// ReadAnyElement consumes the next element whatever its tag.
func (c *Cursor) ReadAnyElement() (asn1.Tag, *Cursor, error) {
	next := c.s
	var full cryptobyte.String
	var tag asn1.Tag
	if !next.ReadAnyASN1Element(&full, &tag) {
		return 0, nil, c.fail("read any element", ErrTruncated)
	}
	var contents cryptobyte.String
	hdr := full
	if !hdr.ReadASN1(&contents, tag) {
		return 0, nil, c.fail("read any element", ErrMalformed)
	}
	sub := c.child(contents, len(full)-len(contents))
	c.s = next
	return tag, sub, nil
}

// ReadOptionalElement consumes the next element only if it carries tag.
func (c *Cursor) ReadOptionalElement(tag asn1.Tag) (*Cursor, bool, error) {
	if !c.s.PeekASN1Tag(tag) {
		return nil, false, nil
	}
	sub, err := c.ReadElement(tag)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// SkipOptional skips the next element if it carries tag.
func (c *Cursor) SkipOptional(tag asn1.Tag) error {
	next := c.s
	if !next.SkipOptionalASN1(tag) {
		return c.fail("skip optional", ErrMalformed)
	}
	c.s = next
	return nil
}

// ReadBigInt consumes an INTEGER.
func (c *Cursor) ReadBigInt() (*big.Int, error) {
	next := c.s
	out := new(big.Int)
	if !next.ReadASN1Integer(out) {
		return nil, c.tagError("read integer", asn1.INTEGER)
	}
	c.s = next
	return out, nil
}

// ReadInt consumes an INTEGER that must fit into an int64.
func (c *Cursor) ReadInt() (int64, error) {
	next := c.s
	var out int64
	if !next.ReadASN1Integer(&out) {
		if c.s.PeekASN1Tag(asn1.INTEGER) {
			return 0, c.fail("read integer", fmt.Errorf("%w: integer out of range", ErrMalformed))
		}
		return 0, c.tagError("read integer", asn1.INTEGER)
	}
	c.s = next
	return out, nil
}

// ReadOctetString consumes an OCTET STRING.
func (c *Cursor) ReadOctetString() ([]byte, error) {
	next := c.s
	var out []byte
	if !next.ReadASN1Bytes(&out, asn1.OCTET_STRING) {
		return nil, c.tagError("read octet string", asn1.OCTET_STRING)
	}
	c.s = next
	return out, nil
}

// ReadOID consumes an OBJECT IDENTIFIER.
func (c *Cursor) ReadOID() (encasn1.ObjectIdentifier, error) {
	next := c.s
	var out encasn1.ObjectIdentifier
	if !next.ReadASN1ObjectIdentifier(&out) {
		return nil, c.tagError("read object identifier", asn1.OBJECT_IDENTIFIER)
	}
	c.s = next
	return out, nil
}

// ReadString consumes a character string of any of the common string types.
func (c *Cursor) ReadString() (string, error) {
	tag, ok := c.NextTag()
	if !ok {
		return "", c.fail("read string", ErrTruncated)
	}
	switch tag {
	case asn1.PrintableString, asn1.UTF8String, asn1.IA5String, asn1.T61String:
	default:
		return "", c.fail("read string", fmt.Errorf("%w: 0x%02x is not a string type", ErrUnexpectedTag, uint8(tag)))
	}
	sub, err := c.ReadElement(tag)
	if err != nil {
		return "", err
	}
	return string(sub.Bytes()), nil
}

// OIDNeedle returns the DER encoding (tag, length, contents) of oid.
func OIDNeedle(oid encasn1.ObjectIdentifier) []byte {
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(oid)
	out, err := b.Bytes()
	if err != nil {
		return nil
	}
	return out
}

// ContainsOID reports whether the DER encoding of oid occurs in the first
// limit bytes of data. A limit <= 0 searches the whole buffer.
func ContainsOID(data []byte, oid encasn1.ObjectIdentifier, limit int) bool {
	needle := OIDNeedle(oid)
	if len(needle) == 0 {
		return false
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return bytes.Contains(data, needle)
}

// ReadLength decodes a DER/BER length at the start of data. It returns the
// length value and the number of bytes the length field occupies. Indefinite
// lengths are reported with indefinite set and length -1.
func ReadLength(data []byte) (length int, n int, indefinite bool, err error) {
	s := cryptobyte.String(data)
	var first uint8
	if !s.ReadUint8(&first) {
		return 0, 0, false, ErrTruncated
	}
	if first < 0x80 {
		return int(first), 1, false, nil
	}
	if first == 0x80 {
		return -1, 1, true, nil
	}
	count := int(first & 0x7f)
	if count > 4 {
		return 0, 0, false, fmt.Errorf("%w: length field of %d bytes", ErrMalformed, count)
	}
	var raw []byte
	if !s.ReadBytes(&raw, count) {
		return 0, 0, false, ErrTruncated
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	if v > uint64(^uint32(0)>>1) {
		return 0, 0, false, fmt.Errorf("%w: length %d too large", ErrMalformed, v)
	}
	return int(v), 1 + count, false, nil
}

// UnwrapTag strips a single-byte-tag wrapper from data. If data does not
// begin with tag, data is returned unchanged with unwrapped set to false.
// The declared length is checked against the buffer before slicing.
func UnwrapTag(data []byte, tag byte) (payload []byte, unwrapped bool, err error) {
	if len(data) == 0 || data[0] != tag {
		return data, false, nil
	}
	length, n, indefinite, err := ReadLength(data[1:])
	if err != nil {
		return nil, false, &Error{Op: "unwrap tag", Offset: 1, Err: err}
	}
	start := 1 + n
	if indefinite {
		return data[start:], true, nil
	}
	if length > len(data)-start {
		return nil, false, &Error{Op: "unwrap tag", Offset: 1, Err: fmt.Errorf("%w: declared %d, have %d", ErrTruncated, length, len(data)-start)}
	}
	return data[start : start+length], true, nil
}

// LooksLikeSequence reports whether data begins with a SEQUENCE tag followed
// by a well-formed length field.
func LooksLikeSequence(data []byte) bool {
	if len(data) < 2 || data[0] != 0x30 {
		return false
	}
	_, _, indefinite, err := ReadLength(data[1:])
	return err == nil && !indefinite
}
