package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// Sealed blob layout:
//
//	magic "RBS1" | flags (1 byte) | payload
//
// flags bit 0: payload is zstd-compressed; bit 1: payload is age-encrypted.
// Encryption wraps compression. Blobs without the magic prefix are returned as stored.
var sealMagic = []byte("RBS1")

const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1
)

var ErrSealKey = errors.New("credential sealed with an unavailable key")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBlobSize*2))
)

// Codec transforms credential blobs on their way to and from a store.
type Codec struct {
	identity *age.X25519Identity
	compress bool
}

func NewCodec(cfg SealConfig) (*Codec, error) {
	c := &Codec{compress: cfg.Compress}
	if id := strings.TrimSpace(cfg.Identity); id != "" {
		identity, err := age.ParseX25519Identity(id)
		if err != nil {
			return nil, fmt.Errorf("parse seal identity: %w", err)
		}
		c.identity = identity
	}
	return c, nil
}

func (c *Codec) Encode(blob []byte) ([]byte, error) {
	var flags byte
	payload := blob
	if c.compress {
		payload = zstdEncoder.EncodeAll(payload, nil)
		flags |= flagCompressed
	}
	if c.identity != nil {
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, c.identity.Recipient())
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
		flags |= flagEncrypted
	}

	out := make([]byte, 0, len(sealMagic)+1+len(payload))
	out = append(out, sealMagic...)
	out = append(out, flags)
	out = append(out, payload...)
	return out, nil
}

func (c *Codec) Decode(raw []byte) ([]byte, error) {
	if len(raw) < len(sealMagic)+1 || !bytes.Equal(raw[:len(sealMagic)], sealMagic) {
		return raw, nil
	}
	flags := raw[len(sealMagic)]
	payload := raw[len(sealMagic)+1:]

	if flags&flagEncrypted != 0 {
		if c.identity == nil {
			return nil, ErrSealKey
		}
		r, err := age.Decrypt(bytes.NewReader(payload), c.identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSealKey, err)
		}
		payload, err = io.ReadAll(io.LimitReader(r, maxStoredSize+1))
		if err != nil {
			return nil, err
		}
		if len(payload) > maxStoredSize {
			return nil, ErrTooLarge
		}
	}
	if flags&flagCompressed != 0 {
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress credential: %w", err)
		}
		payload = out
	}
	if len(payload) > MaxBlobSize {
		return nil, ErrTooLarge
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

type sealedStore struct {
	inner CredentialStore
	codec *Codec
}

// Seal wraps inner so blobs are encoded by a Codec built from cfg.
func Seal(inner CredentialStore, cfg SealConfig) (CredentialStore, error) {
	codec, err := NewCodec(cfg)
	if err != nil {
		return nil, err
	}
	return &sealedStore{inner: inner, codec: codec}, nil
}

func (s *sealedStore) Load(ctx context.Context, key string) (Record, bool, error) {
	rec, ok, err := s.inner.Load(ctx, key)
	if err != nil || !ok {
		return rec, ok, err
	}
	blob, err := s.codec.Decode(rec.Blob)
	if err != nil {
		return Record{}, false, err
	}
	rec.Blob = blob
	return rec, true, nil
}

func (s *sealedStore) Save(ctx context.Context, key string, blob []byte) error {
	if len(blob) > MaxBlobSize {
		return ErrTooLarge
	}
	enc, err := s.codec.Encode(blob)
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, key, enc)
}

func (s *sealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *sealedStore) Close() error { return s.inner.Close() }
