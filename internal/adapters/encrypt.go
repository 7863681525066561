package adapters

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted streams start with encMagic followed by records of
//
//	flag(1) | length(4, big endian) | nonce(24) | ciphertext(length)
//
// Each record seals up to encChunkSize bytes. The record index and the final
// flag are authenticated as additional data so reordering, dropping or
// truncating records fails decryption.
const (
	encMagic     = "BKFX1\n"
	encChunkSize = 64 * 1024
	flagFinal    = 1
)

// ErrTruncated is returned by Decrypt when the stream ends without a final
// record.
var ErrTruncated = errors.New("encrypted stream truncated")

// Encrypt seals its input with XChaCha20-Poly1305. The step's "key" config
// names a secret holding a 64 character hex key.
type Encrypt struct {
	Secrets SecretResolver
}

func (a *Encrypt) Run(ctx context.Context, req Request) error {
	if err := requireInput(req); err != nil {
		return err
	}
	ref, err := configValue(req.Step, "key")
	if err != nil {
		return err
	}
	if a.Secrets == nil {
		return fmt.Errorf("step %s: no secret resolver configured", req.Step.ID)
	}
	encoded, err := a.Secrets.Resolve(ref)
	if err != nil {
		return fmt.Errorf("step %s: %w", req.Step.ID, err)
	}
	key, err := ParseKey(encoded)
	if err != nil {
		return fmt.Errorf("step %s: %w", req.Step.ID, err)
	}
	return transform(ctx, req, req.Input.Name()+".enc", func(dst io.Writer, src io.Reader) error {
		return EncryptStream(key, dst, src)
	})
}

// ParseKey decodes a hex encoded 256-bit key.
func ParseKey(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func recordAD(index uint64, flag byte) []byte {
	ad := make([]byte, 9)
	binary.BigEndian.PutUint64(ad, index)
	ad[8] = flag
	return ad
}

// EncryptStream seals src into dst.
func EncryptStream(key []byte, dst io.Writer, src io.Reader) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(dst, encMagic); err != nil {
		return err
	}

	in := bufio.NewReaderSize(src, encChunkSize)
	buf := make([]byte, encChunkSize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	header := make([]byte, 5)
	for index := uint64(0); ; index++ {
		n, err := io.ReadFull(in, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		var flag byte
		if _, perr := in.Peek(1); perr == io.EOF {
			flag = flagFinal
		} else if perr != nil {
			return perr
		}

		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, buf[:n], recordAD(index, flag))
		header[0] = flag
		binary.BigEndian.PutUint32(header[1:], uint32(len(sealed)))
		for _, part := range [][]byte{header, nonce, sealed} {
			if _, err := dst.Write(part); err != nil {
				return err
			}
		}
		if flag == flagFinal {
			return nil
		}
	}
}

// DecryptStream reverses EncryptStream.
func DecryptStream(key []byte, dst io.Writer, src io.Reader) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	magic := make([]byte, len(encMagic))
	if _, err := io.ReadFull(src, magic); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(magic) != encMagic {
		return errors.New("not an encrypted backup stream")
	}

	header := make([]byte, 5)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	maxSealed := encChunkSize + aead.Overhead()
	for index := uint64(0); ; index++ {
		if _, err := io.ReadFull(src, header); err != nil {
			if err == io.EOF {
				return ErrTruncated
			}
			return fmt.Errorf("record %d: %w", index, err)
		}
		flag := header[0]
		size := int(binary.BigEndian.Uint32(header[1:]))
		if flag > flagFinal || size < aead.Overhead() || size > maxSealed {
			return fmt.Errorf("record %d: corrupt header", index)
		}
		if _, err := io.ReadFull(src, nonce); err != nil {
			return fmt.Errorf("record %d: %w", index, err)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return fmt.Errorf("record %d: %w", index, err)
		}
		plain, err := aead.Open(sealed[:0], nonce, sealed, recordAD(index, flag))
		if err != nil {
			return fmt.Errorf("record %d: %w", index, err)
		}
		if _, err := dst.Write(plain); err != nil {
			return err
		}
		if flag == flagFinal {
			var extra [1]byte
			if n, _ := src.Read(extra[:]); n > 0 {
				return errors.New("trailing data after final record")
			}
			return nil
		}
	}
}
