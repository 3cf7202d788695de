package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// recordSize is the rs value advertised in the content-coding header.
	recordSize = 4096

	// saltSize, keySize and nonceSize are fixed by the aes128gcm scheme.
	saltSize  = 16
	keySize   = 16
	nonceSize = 12

	// maxPlaintext keeps the whole encrypted body inside one 4096-byte
	// record: 4096 minus the 86-byte header, the GCM tag and the padding
	// delimiter.
	maxPlaintext = recordSize - headerSize - 16 - 1

	// headerSize = salt(16) + rs(4) + idlen(1) + uncompressed P-256 point(65).
	headerSize = saltSize + 4 + 1 + 65
)

// Encrypt seals a payload for the subscriber identified by its p256dh public
// key and auth secret, per RFC 8291 aes128gcm: ECDH between a fresh ephemeral
// sender key and the subscriber key, HKDF mixing in the auth secret, then a
// single AES-128-GCM record with the content-coding header prepended.
func Encrypt(payload []byte, p256dh, auth string) ([]byte, error) {
	senderKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return encrypt(payload, p256dh, auth, senderKey, salt)
}

// encrypt is the deterministic core, split out so tests can pin the
// ephemeral key and salt.
func encrypt(payload []byte, p256dh, auth string, senderKey *ecdh.PrivateKey, salt []byte) ([]byte, error) {
	if len(payload) > maxPlaintext {
		return nil, fmt.Errorf("payload is %d bytes, exceeds the %d byte push message limit", len(payload), maxPlaintext)
	}

	subscriberPubBytes, err := decodeBase64URL(p256dh)
	if err != nil {
		return nil, fmt.Errorf("subscriber p256dh is not valid base64url: %w", err)
	}
	subscriberPub, err := ecdh.P256().NewPublicKey(subscriberPubBytes)
	if err != nil {
		return nil, fmt.Errorf("subscriber p256dh is not a valid P-256 point: %w", err)
	}
	authSecret, err := decodeBase64URL(auth)
	if err != nil {
		return nil, fmt.Errorf("subscriber auth secret is not valid base64url: %w", err)
	}

	sharedSecret, err := senderKey.ECDH(subscriberPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement failed: %w", err)
	}
	senderPubBytes := senderKey.PublicKey().Bytes()

	// ikm = HKDF(salt=auth_secret, ikm=ecdh_secret,
	//            info="WebPush: info"||0x00||ua_public||as_public)
	keyInfo := make([]byte, 0, 14+2*len(senderPubBytes))
	keyInfo = append(keyInfo, "WebPush: info\x00"...)
	keyInfo = append(keyInfo, subscriberPubBytes...)
	keyInfo = append(keyInfo, senderPubBytes...)
	ikm := hkdfDerive(sharedSecret, authSecret, keyInfo, 32)

	cek := hkdfDerive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), keySize)
	nonce := hkdfDerive(ikm, salt, []byte("Content-Encoding: nonce\x00"), nonceSize)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	// The payload is the only (and therefore last) record: delimiter 0x02.
	record := make([]byte, 0, len(payload)+1)
	record = append(record, payload...)
	record = append(record, 0x02)
	ciphertext := gcm.Seal(nil, nonce, record, nil)

	body := make([]byte, 0, headerSize+len(ciphertext))
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, recordSize)
	body = append(body, byte(len(senderPubBytes)))
	body = append(body, senderPubBytes...)
	body = append(body, ciphertext...)
	return body, nil
}

func hkdfDerive(secret, salt, info []byte, length int) []byte {
	out := make([]byte, length)
	// ReadFull cannot fail here: length is far below the HKDF-SHA256 bound.
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out)
	return out
}
