package types

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/algorand/go-codec/codec"
)

// ErrInvalidEncoding is returned when a byte buffer cannot be decoded
var ErrInvalidEncoding = errors.New("invalid encoding")

// CodecHandle is the msgpack handle used for every hashed, signed or
// persisted structure. It is canonical (sorted map keys, omitted empty
// fields) and strict when decoding unknown fields.
var CodecHandle *codec.MsgpackHandle

// JSONHandle is used for human-readable documents such as genesis files.
var JSONHandle *codec.JsonHandle

func init() {
	CodecHandle = new(codec.MsgpackHandle)
	CodecHandle.ErrorIfNoField = true
	CodecHandle.ErrorIfNoArrayExpand = true
	CodecHandle.Canonical = true
	CodecHandle.RecursiveEmptyCheck = true
	CodecHandle.WriteExt = true
	CodecHandle.PositiveIntUnsigned = true
	CodecHandle.Raw = true

	JSONHandle = new(codec.JsonHandle)
	JSONHandle.ErrorIfNoField = true
	JSONHandle.ErrorIfNoArrayExpand = true
	JSONHandle.Canonical = true
	JSONHandle.RecursiveEmptyCheck = true
	JSONHandle.Indent = 2
	JSONHandle.HTMLCharsAsIs = true
}

type codecBytes struct {
	enc *codec.Encoder
	buf []byte
}

var codecBytesPool = sync.Pool{
	New: func() interface{} {
		return &codecBytes{
			enc: codec.NewEncoderBytes(nil, CodecHandle),
		}
	},
}

const initEncodeBufSize = 256

// Encode returns the canonical msgpack encoding of obj. Encoding only fails
// for unsupported Go types, which is a programming error, so it panics.
func Encode(obj interface{}) []byte {
	cb := codecBytesPool.Get().(*codecBytes)
	cb.buf = make([]byte, 0, initEncodeBufSize)
	cb.enc.ResetBytes(&cb.buf)
	cb.enc.MustEncode(obj)
	res := cb.buf
	codecBytesPool.Put(cb)
	return res
}

// Decode decodes a msgpack buffer into objptr.
func Decode(b []byte, objptr interface{}) error {
	dec := codec.NewDecoderBytes(b, CodecHandle)
	if err := dec.Decode(objptr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return nil
}

// EncodeJSON returns an indented JSON encoding of obj.
func EncodeJSON(obj interface{}) []byte {
	var b []byte
	enc := codec.NewEncoderBytes(&b, JSONHandle)
	enc.MustEncode(obj)
	return b
}

// DecodeJSON decodes a JSON document into objptr.
func DecodeJSON(b []byte, objptr interface{}) error {
	dec := codec.NewDecoderBytes(b, JSONHandle)
	return dec.Decode(objptr)
}

// NewEncoder returns a msgpack encoder writing to w.
func NewEncoder(w io.Writer) *codec.Encoder {
	return codec.NewEncoder(w, CodecHandle)
}

// NewDecoder returns a msgpack decoder reading from r.
func NewDecoder(r io.Reader) *codec.Decoder {
	return codec.NewDecoder(r, CodecHandle)
}
