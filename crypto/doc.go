// Package crypto implements the password-keyed encryption layer for file
// transfers.
//
// Keys are derived from a shared password and a per-transfer random salt
// using PBKDF2-HMAC-SHA256, and payloads are protected with AES-256-GCM so
// tampered or corrupted ciphertext fails authentication instead of silently
// decrypting to garbage.
//
// Example:
//
//	salt, err := crypto.GenerateSalt()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	key := crypto.DeriveKey("shared-password", salt)
//
//	if err := crypto.EncryptFile("payload.zst", "payload.zst.enc", key); err != nil {
//	    log.Fatal(err)
//	}
//
// The file filters stream in fixed-size chunks, each sealed as an
// independent length-prefixed frame, so files of any size are handled with
// bounded memory. The salt is carried to the receiver in the transfer
// metadata header; it is not secret, only unique.
package crypto
