package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orgbridge/orgbridge/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an admin API key for the config file",
	Long: `Hash an admin API key for use in admin.keys[].key_hash.

The default output is an Argon2id PHC string. Use --sha256 for a
"sha256:<hex>" digest, which is only appropriate for long random keys.

When no argument is given the key is read from stdin, which keeps it
out of shell history:

  orgbridge hash-key < key.txt
  orgbridge hash-key "$ORGBRIDGE_ADMIN_KEY"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readKey(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := hashKey(key, hashKeySHA256)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "emit a sha256:<hex> digest instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}

func readKey(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no key given")
	}
	return key, nil
}

func hashKey(key string, sha bool) (string, error) {
	if sha {
		return auth.HashSHA256(key), nil
	}
	return auth.HashArgon2id(key)
}
