// Package canonical produces the byte representation that every integrity
// hash in chronicle is computed over.
//
// The encoding is RFC 8785 (JSON Canonicalization Scheme) with two additions:
//   - every string is NFC normalized before it is serialized
//   - hashes are domain separated: SHA256(domain + 0x00 + data)
//
// Envelope header fields are built from the sealed Value types in this
// package. Producer supplied JSON (payloads, metadata) enters through
// CanonicalizeJSON, which yields a Raw value that is embedded verbatim.
//
// The canonical form is the ONLY input to hashing. Storage encodings
// (compression, column types) never feed into a hash.
package canonical
