// Package plugin defines the dynamic-dispatch collaborator interfaces of
// spec.md §6 (Compressor, Encryptor, Collator, Extractor) and ships
// default implementations. A Tree owns its plugins by value for the
// tree's lifetime (spec.md §9 "Dynamic dispatch").
package plugin

import "bytes"

// Compressor matches the pre_size/compress/compress_raw/decompress/
// terminate contract. Implementations are stateless per call; the raw
// variant may refuse a window and ask for more input by returning
// ok=false, per spec.md §4.3's raw-compression path.
type Compressor interface {
	Name() string
	// PreSize estimates the compressed size of src, used to size the
	// destination buffer before Compress is called.
	PreSize(src []byte) int
	Compress(dst, src []byte) (n int, err error)
	Decompress(dst, src []byte) (n int, err error)
	// CompressRaw lets the compressor choose its own split point within
	// src, returning the number of source bytes it consumed and whether
	// it produced a block at all (false means "need more input").
	CompressRaw(dst, src []byte) (consumed, n int, ok bool, err error)
	Terminate() error
}

// Encryptor matches sizing/encrypt/decrypt/customize/terminate. It must
// expand ciphertext by a constant amount disclosed via Sizing, so the
// block manager can size its output buffer without trial and error.
type Encryptor interface {
	Name() string
	Sizing() int
	Customize(keyID string) (Encryptor, error)
	Encrypt(dst, src []byte) (n int, err error)
	Decrypt(dst, src []byte) (n int, err error)
	Terminate() error
}

// Collator provides a total, restart-stable order over keys.
type Collator interface {
	Name() string
	Compare(a, b []byte) int
	Terminate() error
}

// Extractor derives an index key from a primary key/value pair, invoked
// during index maintenance (out of this core's scope, but the
// interface lives here since it shares the plugin lifecycle model).
type Extractor interface {
	Name() string
	Customize(config string) (Extractor, error)
	Extract(key, value []byte) ([]byte, error)
	Terminate() error
}

// ByteCollator is the default Collator: plain lexicographic byte order,
// identical across restarts because it has no locale dependency.
type ByteCollator struct{}

func (ByteCollator) Name() string            { return "bytewise" }
func (ByteCollator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (ByteCollator) Terminate() error        { return nil }

var _ Collator = ByteCollator{}

// EventHandler matches spec.md §6's error/message/progress/close
// collaborator interface: "best-effort notifications; engine must not
// depend on success." conn.Connection holds one and never treats a
// handler failure as its own.
type EventHandler interface {
	HandleError(err error, message string)
	HandleMessage(message string)
	HandleProgress(operation string, counter int64)
	Close() error
}

// NoopEventHandler discards every notification; the default when a
// caller supplies none.
type NoopEventHandler struct{}

func (NoopEventHandler) HandleError(error, string)        {}
func (NoopEventHandler) HandleMessage(string)             {}
func (NoopEventHandler) HandleProgress(string, int64)     {}
func (NoopEventHandler) Close() error                     { return nil }

var _ EventHandler = NoopEventHandler{}
