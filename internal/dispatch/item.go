// Package dispatch resolves item ids across spaces, verifies item
// integrity, enforces capability checks and invokes tools through their
// executor chain.
package dispatch

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rye-run/rye/internal/capability"
)

var (
	// ErrUnsigned indicates an item carries no signature header.
	ErrUnsigned = errors.New("item is unsigned")
	// ErrTampered indicates the signature header does not match the content.
	ErrTampered = errors.New("item integrity verification failed")
)

// headerPrefix marks signature header lines at the top of an item file.
const headerPrefix = "#! "

// SigHeader is the integrity header attached to signed items.
type SigHeader struct {
	Timestamp   time.Time
	SHA256      string
	Signature   string
	Fingerprint string
}

// ItemFile is a parsed item: its optional signature header and raw content.
type ItemFile struct {
	Header  *SigHeader
	Content []byte
}

// SignItem prepends a signature header covering content.
func SignItem(kr *capability.Keyring, content []byte) []byte {
	sum := sha256.Sum256(content)
	sig := kr.Sign(content)
	var b bytes.Buffer
	fmt.Fprintf(&b, "%srye-signed v1\n", headerPrefix)
	fmt.Fprintf(&b, "%stimestamp: %s\n", headerPrefix, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%ssha256: %s\n", headerPrefix, hex.EncodeToString(sum[:]))
	fmt.Fprintf(&b, "%ssignature: %s\n", headerPrefix, base64.StdEncoding.EncodeToString(sig))
	fmt.Fprintf(&b, "%sfingerprint: %s\n", headerPrefix, kr.Fingerprint())
	b.Write(content)
	return b.Bytes()
}

// ParseItem splits an item file into its signature header (nil when
// unsigned) and content.
func ParseItem(data []byte) (*ItemFile, error) {
	if !bytes.HasPrefix(data, []byte(headerPrefix+"rye-signed")) {
		return &ItemFile{Content: data}, nil
	}
	h := &SigHeader{}
	rest := data
	for bytes.HasPrefix(rest, []byte(headerPrefix)) {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			nl = len(rest) - 1
		}
		line := strings.TrimPrefix(string(rest[:nl]), headerPrefix)
		rest = rest[nl+1:]

		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "timestamp":
			h.Timestamp, _ = time.Parse(time.RFC3339, val)
		case "sha256":
			h.SHA256 = val
		case "signature":
			h.Signature = val
		case "fingerprint":
			h.Fingerprint = val
		}
	}
	if h.SHA256 == "" || h.Signature == "" {
		return nil, fmt.Errorf("%w: incomplete header", ErrTampered)
	}
	return &ItemFile{Header: h, Content: rest}, nil
}

// VerifyItem checks an item's signature header against the trust store.
// Unsigned items pass only when allowUnsigned is set for the item's space.
func VerifyItem(kr *capability.Keyring, item *ItemFile, allowUnsigned bool) error {
	if item.Header == nil {
		if allowUnsigned {
			return nil
		}
		return ErrUnsigned
	}
	sum := sha256.Sum256(item.Content)
	if hex.EncodeToString(sum[:]) != item.Header.SHA256 {
		return fmt.Errorf("%w: content hash mismatch", ErrTampered)
	}
	if item.Header.Fingerprint != kr.Fingerprint() {
		return fmt.Errorf("%w: unknown signing key %s", ErrTampered, item.Header.Fingerprint)
	}
	sig, err := base64.StdEncoding.DecodeString(item.Header.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrTampered)
	}
	if !kr.VerifySig(item.Content, sig) {
		return fmt.Errorf("%w: signature mismatch", ErrTampered)
	}
	return nil
}
