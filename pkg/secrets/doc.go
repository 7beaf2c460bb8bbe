// Package secrets resolves encrypted connection credentials. Registry rows
// never carry plaintext passwords; they carry an opaque reference that a
// Decrypter turns into the live credential at pool-build time.
package secrets
