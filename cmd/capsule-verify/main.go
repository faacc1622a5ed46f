// capsule-verify checks a signed decision offline.
//
//	capsule-verify --public-key <hex> decision.json
//	BARGAIN_SIGNING_SECRET=... capsule-verify < decision.json
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/joho/godotenv"
)

func main() {
	publicKey := flag.String("public-key", "", "hex Ed25519 public key")
	flag.Parse()
	_ = godotenv.Load()

	in := io.Reader(os.Stdin)
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			fail(err)
		}
		defer f.Close()
		in = f
	}

	var d capsule.SignedDecision
	if err := json.NewDecoder(in).Decode(&d); err != nil {
		fail(fmt.Errorf("decode capsule: %w", err))
	}

	ok, err := verify(&d, *publicKey, os.Getenv("BARGAIN_SIGNING_SECRET"))
	if err != nil {
		fail(err)
	}
	if !ok {
		fmt.Printf("\033[31mINVALID\033[0m capsule %s\n", d.CapsuleID)
		os.Exit(1)
	}
	fmt.Printf("\033[32mVALID\033[0m capsule %s (%s, key %s, signed %s)\n", d.CapsuleID, d.Algorithm, d.PublicKeyID, d.Timestamp)
}

func verify(d *capsule.SignedDecision, publicKey, secret string) (bool, error) {
	switch {
	case publicKey != "":
		return capsule.VerifyWithPublicKey(d, publicKey)
	case d.PublicKey != "" && d.Algorithm == capsule.AlgorithmEd25519 && secret == "":
		// embedded key only proves integrity, not origin
		fmt.Fprintln(os.Stderr, "warning: verifying against the key embedded in the capsule")
		return capsule.VerifyWithPublicKey(d, d.PublicKey)
	case secret != "":
		s, err := capsule.NewSigner(d.Algorithm, []byte(secret), d.PublicKeyID)
		if err != nil {
			return false, err
		}
		return capsule.NewVerifier(s).Verify(d)
	default:
		return false, errors.New("need --public-key or BARGAIN_SIGNING_SECRET")
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "capsule-verify: %v\n", err)
	os.Exit(2)
}
