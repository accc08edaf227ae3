// Package main (cmd/keyadmin) is a command line tool for the key material a
// device keeps in local key storage.
//
// Commands:
//
//	keygen       - Generate an RSA key pair for a data owner and mark it verified
//	fingerprint  - Print the V1 and V2 fingerprints of a hex SPKI public key
//	verify       - Mark a key of a data owner as verified or not verified
//	split        - Split a stored private key into K-of-N shamir share files
//	combine      - Rebuild a private key from share files and store it
//
// Storage locations use the same URI format as the library, see package
// storage. Repeating --storage writes to every location and reads from the
// first one holding the key.
//
// Example workflow:
//
//  1. Generate a key on a sealed file store:
//     keyadmin keygen --storage 'file:///var/lib/e2ee?passphrase=secret' --owner hcp-1
//
//  2. Split it into three offline shares, any two of which recover it:
//     keyadmin split --storage 'file:///var/lib/e2ee?passphrase=secret' --owner hcp-1 \
//     --fingerprint <fp> --parts 3 --threshold 2 --out-dir ./shares
//     This also writes ./shares/shares.yaml describing the split.
//
//  3. Recover the key on a new device:
//     keyadmin combine --storage 'badger:///srv/e2ee' --owner hcp-1 \
//     --manifest ./shares/shares.yaml --share ./shares/a.share --share ./shares/b.share
package main
