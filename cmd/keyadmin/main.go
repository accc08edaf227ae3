package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/ruteri/e2ee-keyexchange/cmd/flags"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/urfave/cli/v2"
)

var flagKeySize *cli.IntFlag = &cli.IntFlag{
	Name:  "key-size",
	Value: cryptoutils.DefaultRSAKeySize,
	Usage: "RSA modulus size in bits",
}
var flagSha1 *cli.BoolFlag = &cli.BoolFlag{
	Name:  "sha1",
	Value: false,
	Usage: "create a legacy RSA-OAEP SHA-1 key",
}
var flagFingerprint *cli.StringFlag = &cli.StringFlag{
	Name:     "fingerprint",
	Required: true,
	Usage:    "key fingerprint (V1, V2 or the full hex SPKI)",
}
var flagSpki *cli.StringFlag = &cli.StringFlag{
	Name:     "spki",
	Required: true,
	Usage:    "hex SPKI public key",
}
var flagParts *cli.IntFlag = &cli.IntFlag{
	Name:  "parts",
	Value: 3,
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
}
var flagOutDir *cli.StringFlag = &cli.StringFlag{
	Name:  "out-dir",
	Value: ".",
	Usage: "directory to write share files to",
}
var flagShares *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:  "share",
	Usage: "share file, repeat for each share",
}
var flagManifest *cli.StringFlag = &cli.StringFlag{
	Name:  "manifest",
	Usage: "shares.yaml written by split; checks the recovered fingerprint",
}
var flagUnverified *cli.BoolFlag = &cli.BoolFlag{
	Name:  "unverified",
	Value: false,
	Usage: "mark the key as not verified",
}

func shaVersion(cCtx *cli.Context) cryptoutils.ShaVersion {
	if cCtx.Bool(flagSha1.Name) {
		return cryptoutils.OAEPWithSHA1
	}
	return cryptoutils.OAEPWithSHA256
}

func closeBackend(backend interfaces.StorageBackend) {
	if closer, ok := backend.(io.Closer); ok {
		_ = closer.Close()
	}
}

func main() {
	app := &cli.App{
		Name:  "keyadmin",
		Usage: "manage locally stored end-to-end encryption keys",
		Flags: append(flags.CommonFlags, flags.LogServiceFlagFn("keyadmin")),
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "keygen",
				Usage: "generate a key pair and mark it as verified",
				Flags: []cli.Flag{
					flags.StorageFlag,
					flags.OwnerFlag,
					flagKeySize,
					flagSha1,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					backend, err := flags.KeyBackend(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeBackend(backend)
					owner := cCtx.String(flags.OwnerFlag.Name)

					kp, err := cryptoutils.GenerateRSAKeyPair(cCtx.Int(flagKeySize.Name), shaVersion(cCtx))
					if err != nil {
						return err
					}
					fp := kp.MustFingerprint()

					keys := kms.NewJWKKeyStorage(backend, logger)
					if err := keys.StoreKeyPair(cCtx.Context, interfaces.KeyStorageKey{OwnerID: owner, Fingerprint: fp, Purpose: interfaces.PurposeEncryption}, kp); err != nil {
						return err
					}
					if _, err := kms.NewKeyVerificationStore(backend, nil).Set(cCtx.Context, owner, map[interfaces.FingerprintV2]bool{fp: true}); err != nil {
						return err
					}

					spki, err := kp.Public().SpkiHex()
					if err != nil {
						return err
					}
					logger.Info("generated key pair", "owner", owner, "fingerprint", fp.String(), "hash", kp.Hash.String())
					fmt.Println(fp)
					fmt.Println(spki)
					return nil
				},
			},
			&cli.Command{
				Name:  "fingerprint",
				Usage: "print the V1 and V2 fingerprints of a public key",
				Flags: []cli.Flag{
					flagSpki,
				},
				Action: func(cCtx *cli.Context) error {
					spki := cCtx.String(flagSpki.Name)
					if _, err := cryptoutils.ParseSpkiHex(spki); err != nil {
						return err
					}
					fmt.Println(cryptoutils.FingerprintV1FromSpkiHex(spki))
					fmt.Println(cryptoutils.FingerprintV2FromSpkiHex(spki))
					return nil
				},
			},
			&cli.Command{
				Name:  "verify",
				Usage: "set the verification status of a key of the owner",
				Flags: []cli.Flag{
					flags.StorageFlag,
					flags.OwnerFlag,
					flagFingerprint,
					flagUnverified,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					backend, err := flags.KeyBackend(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeBackend(backend)
					owner := cCtx.String(flags.OwnerFlag.Name)
					fp := cryptoutils.NormalizeFingerprint(cCtx.String(flagFingerprint.Name))

					status, err := kms.NewKeyVerificationStore(backend, nil).Set(cCtx.Context, owner, map[interfaces.FingerprintV2]bool{fp: !cCtx.Bool(flagUnverified.Name)})
					if err != nil {
						return err
					}
					for k, verified := range status {
						fmt.Printf("%s\t%t\n", k, verified)
					}
					return nil
				},
			},
			&cli.Command{
				Name:  "split",
				Usage: "split a stored private key into shamir shares written to files",
				Flags: []cli.Flag{
					flags.StorageFlag,
					flags.OwnerFlag,
					flagFingerprint,
					flagParts,
					flagThreshold,
					flagOutDir,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					backend, err := flags.KeyBackend(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeBackend(backend)
					owner := cCtx.String(flags.OwnerFlag.Name)
					fp := cryptoutils.NormalizeFingerprint(cCtx.String(flagFingerprint.Name))

					kp, err := kms.NewJWKKeyStorage(backend, logger).GetKeyPair(cCtx.Context, interfaces.KeyStorageKey{OwnerID: owner, Fingerprint: fp, Purpose: interfaces.PurposeEncryption})
					if err != nil {
						return err
					}
					pkcs8, err := cryptoutils.MarshalPKCS8(kp.Private)
					if err != nil {
						return err
					}

					shares, err := kms.SplitSecret(pkcs8, cCtx.Int(flagParts.Name), cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}

					outDir := cCtx.String(flagOutDir.Name)
					if err := os.MkdirAll(outDir, 0700); err != nil {
						return err
					}
					manifest := &shareManifest{
						Owner:       owner,
						Fingerprint: fp.String(),
						Hash:        kp.Hash.String(),
						Threshold:   cCtx.Int(flagThreshold.Name),
					}
					for i, share := range shares {
						name := fmt.Sprintf("%s-%s-%d.share", owner, fp, i+1)
						if err := os.WriteFile(filepath.Join(outDir, name), []byte(hex.EncodeToString(share)), 0600); err != nil {
							return err
						}
						manifest.Shares = append(manifest.Shares, name)
					}
					path, err := writeManifest(outDir, manifest)
					if err != nil {
						return err
					}
					logger.Info("split key pair", "owner", owner, "fingerprint", fp.String(), "parts", len(shares), "threshold", manifest.Threshold)
					fmt.Println(path)
					return nil
				},
			},
			&cli.Command{
				Name:  "combine",
				Usage: "rebuild a private key from shamir share files and store it",
				Flags: []cli.Flag{
					flags.StorageFlag,
					flags.OwnerFlag,
					flagShares,
					flagManifest,
					flagSha1,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					backend, err := flags.KeyBackend(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeBackend(backend)
					owner := cCtx.String(flags.OwnerFlag.Name)

					paths := cCtx.StringSlice(flagShares.Name)
					hash := shaVersion(cCtx)
					var manifest *shareManifest
					if manifestPath := cCtx.String(flagManifest.Name); manifestPath != "" {
						manifest, err = readManifest(manifestPath)
						if err != nil {
							return err
						}
						if hash, err = manifest.shaVersion(); err != nil {
							return err
						}
						if len(paths) == 0 {
							paths = manifest.Shares
						}
					}
					if len(paths) == 0 {
						return errors.New("no shares given, use --share or --manifest")
					}

					var shares [][]byte
					for _, path := range paths {
						share, err := readShareFile(path)
						if err != nil {
							return err
						}
						shares = append(shares, share)
					}

					pkcs8, err := kms.CombineShares(shares)
					if err != nil {
						return err
					}
					priv, err := cryptoutils.ParsePKCS8(pkcs8)
					if err != nil {
						return errors.Join(errors.New("shares do not combine into a private key, not enough shares?"), err)
					}
					kp, err := cryptoutils.NewKeyPair(priv, hash)
					if err != nil {
						return err
					}
					if err := cryptoutils.SelfTest(kp); err != nil {
						return err
					}

					fp := kp.MustFingerprint()
					if manifest != nil && cryptoutils.NormalizeFingerprint(manifest.Fingerprint) != fp {
						return fmt.Errorf("recovered key %s does not match manifest fingerprint %s", fp, manifest.Fingerprint)
					}
					if err := kms.NewJWKKeyStorage(backend, logger).StoreKeyPair(cCtx.Context, interfaces.KeyStorageKey{OwnerID: owner, Fingerprint: fp, Purpose: interfaces.PurposeEncryption}, kp); err != nil {
						return err
					}
					logger.Info("recovered key pair", "owner", owner, "fingerprint", fp.String())
					fmt.Println(fp)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
