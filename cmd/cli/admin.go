package cli

import (
	"fmt"
	"os"

	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/p2p"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	pwd, nick, keyType = "", "", ""
)

func init() {
	adminCmd.AddCommand(ksCmd)
	adminCmd.AddCommand(ksNewKeyCmd)
	adminCmd.AddCommand(ksImportRawCmd)
	adminCmd.AddCommand(ksDeleteCmd)
	adminCmd.AddCommand(pushHeaderCmd)
	adminCmd.AddCommand(p2pIdentityCmd)
	adminCmd.AddCommand(configCmd)
	adminCmd.PersistentFlags().StringVar(&pwd, "password", "", "input a private key password (not recommended)")
	adminCmd.PersistentFlags().StringVar(&nick, "nickname", "", "input a nickname for the key")
	ksNewKeyCmd.Flags().StringVar(&keyType, "key-type", "secp256k1", "the key scheme: secp256k1 or bls12381")
	ksImportRawCmd.Flags().StringVar(&keyType, "key-type", "secp256k1", "the key scheme: secp256k1 or bls12381")
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "admin only operations for the node",
}

var (
	ksCmd = &cobra.Command{
		Use:   "ks",
		Short: "query the keystore of this node",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(loadKeystore(), nil)
		},
	}

	ksNewKeyCmd = &cobra.Command{
		Use:   "ks-new-key --key-type=secp256k1 --password=test --nickname=validator",
		Short: "add a new key to the keystore of this node",
		Run: func(cmd *cobra.Command, args []string) {
			pk, err := crypto.NewPrivateKey(argToKeyType(keyType))
			if err != nil {
				l.Fatal(err.Error())
			}
			writeToConsole(importKey(pk), nil)
		},
	}

	ksImportRawCmd = &cobra.Command{
		Use:   "ks-import-raw <private_key_hex> --key-type=secp256k1 --password=test --nickname=validator",
		Short: "add a raw private key to the keystore of this node",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pk, err := crypto.NewPrivateKeyFromString(argToKeyType(keyType), args[0])
			if err != nil {
				l.Fatal(err.Error())
			}
			writeToConsole(importKey(pk), nil)
		},
	}

	ksDeleteCmd = &cobra.Command{
		Use:   "ks-delete <address>",
		Short: "delete a key from the keystore of this node",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ks := loadKeystore()
			ks.DeleteKey(args[0])
			writeToConsole(args[0], ks.SaveToFile(config.DataDirPath))
		},
	}

	pushHeaderCmd = &cobra.Command{
		Use:   "push-header <header_json_file>",
		Short: "push a finalized header to a node running the push source",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			bz, err := os.ReadFile(args[0])
			if err != nil {
				l.Fatal(err.Error())
			}
			h := new(lib.FinalizedHeader)
			if e := lib.UnmarshalJSON(bz, h); e != nil {
				l.Fatal(e.Error())
			}
			writeToConsole(client.PushHeader(h))
		},
	}

	p2pIdentityCmd = &cobra.Command{
		Use:   "p2p-identity",
		Short: "generate a new libp2p identity for the config file",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(p2p.NewIdentity())
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "query the configuration of the running node",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Config())
		},
	}
)

// importKey() encrypts the key into the keystore under the password and nickname flags
func importKey(pk crypto.PrivateKeyI) string {
	ks := loadKeystore()
	address, err := ks.ImportRaw(pk, getPassword(), getNickname())
	if err != nil {
		l.Fatal(err.Error())
	}
	if err = ks.SaveToFile(config.DataDirPath); err != nil {
		l.Fatal(err.Error())
	}
	return fmt.Sprintf("imported %s with public key %s", address, pk.PublicKey().String())
}

func loadKeystore() *crypto.Keystore {
	ks, err := crypto.NewKeystoreFromFile(config.DataDirPath)
	if err != nil {
		l.Fatal(err.Error())
	}
	return ks
}

func argToKeyType(arg string) crypto.KeyType {
	if arg == "bls" {
		return crypto.KeyTypeBLS12381
	}
	return crypto.KeyType(arg)
}

func getPassword() string {
	if pwd != "" {
		return pwd
	}
	fmt.Println("Enter password:")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		l.Fatal(err.Error())
	}
	return string(password)
}

func getNickname() string {
	if nick != "" {
		return nick
	}
	fmt.Println("Enter nickname:")
	var nickname string
	_, _ = fmt.Scanln(&nickname)
	return nickname
}
