// Package noise authenticates swarm connections with the Noise XX pattern.
//
// XX needs no prior knowledge of the remote key. Both sides finish the
// handshake knowing each other's static Curve25519 public key, which the
// swarm uses as the peer identity when deduplicating connections:
//
//	res, err := noise.Handshake(ctx, conn, keyPair, noise.Initiator)
//	if err != nil {
//	    return err
//	}
//	remoteID := res.RemoteStatic
//
// The cipher suite is Curve25519, ChaCha20-Poly1305 and SHA-256. Handshake
// frames carry a two-byte big-endian length prefix. The resulting cipher
// states are returned to the caller; the application stream itself is left
// unencrypted by this package.
package noise
