// Package codec implements streaming zstandard compression for transfer
// payloads.
//
// Files are compressed before they go on the wire and decompressed on the
// receiving side, always in fixed-size chunks so memory use is independent of
// file size.
//
// Example:
//
//	artifact, err := codec.Compress("/tmp/report.pdf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer os.Remove(artifact)
//
//	if err := codec.Decompress(artifact, "/tmp/report-copy.pdf"); err != nil {
//	    log.Fatal(err)
//	}
//
// Decompress(Compress(X)) reproduces X byte for byte, including for empty
// files. Neither operation leaves a partial output behind on failure.
package codec
