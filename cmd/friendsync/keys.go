package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"friendsync/pkg/integrity"
	"friendsync/pkg/protocol"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		algorithm string
		hashAlg   string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch algorithm {
			case integrity.AlgEd25519:
				signer, err := integrity.GenerateEd25519Signer(nil)
				if err != nil {
					return err
				}
				fmt.Printf("public_key:  %s\n", signer.PublicKey())
				fmt.Printf("private_key: %s\n", base64.StdEncoding.EncodeToString(signer.PrivateKey()))
			case integrity.AlgDilithium3:
				signer, err := integrity.GenerateDilithium3Signer(nil, hashAlg)
				if err != nil {
					return err
				}
				fmt.Printf("public_key: %s\n", signer.PublicKey())
			default:
				return fmt.Errorf("unsupported algorithm %q (use %s or %s)", algorithm, integrity.AlgEd25519, integrity.AlgDilithium3)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", integrity.AlgEd25519, "signature algorithm")
	cmd.Flags().StringVar(&hashAlg, "hash", "sha256", "digest for dilithium3 (sha256, sha512, sha3-256)")

	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <post.json>",
		Short: "Compute the content hash and CID of a post payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read post: %w", err)
			}
			var post protocol.PostPayload
			if err := json.Unmarshal(data, &post); err != nil {
				return fmt.Errorf("failed to parse post: %w", err)
			}

			item := post.Item()
			computed := integrity.NewService().ComputeItemHash(item)
			fmt.Printf("content_hash: %s\n", computed)
			fmt.Printf("cid:          %s\n", integrity.ContentCID(item))
			if post.ContentHash != "" && post.ContentHash != computed {
				fmt.Printf("mismatch:     payload claims %s\n", post.ContentHash)
			}
			return nil
		},
	}
}
