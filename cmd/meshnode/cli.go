package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    "meshbase/pkg/identity"
)

// Options holds CLI options for the node.
type Options struct {
    ConfigPath string
    Greet      string
    Echo       bool
}

func newRootCmd() *cobra.Command {
    root := &cobra.Command{
        Use:           "meshnode",
        Short:         "Run and manage a meshbase node",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    root.AddCommand(newRunCmd(), newKeygenCmd(), newFingerprintCmd())
    return root
}

func newRunCmd() *cobra.Command {
    var opts Options
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Start the node from its config and log mesh events",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            return run(cmd.Context(), opts)
        },
    }
    cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
    cmd.Flags().StringVar(&opts.Greet, "greet", "", "send this text to every neighbor that connects")
    cmd.Flags().BoolVar(&opts.Echo, "echo", true, "answer inbound send frames with a receive frame")
    return cmd
}

func newKeygenCmd() *cobra.Command {
    var out string
    var bits int
    cmd := &cobra.Command{
        Use:   "keygen",
        Short: "Generate an identity key file and print its device uuid",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            if _, err := os.Stat(out); err == nil {
                return fmt.Errorf("%s already exists", out)
            }
            e := identity.New(bits)
            if err := e.GenerateKeyPair(); err != nil { return err }
            priv, _ := e.PrivateKey()
            if err := identity.WriteKeyFile(out, priv); err != nil { return err }
            id, _ := e.ID()
            fmt.Fprintln(cmd.OutOrStdout(), id)
            return nil
        },
    }
    cmd.Flags().StringVarP(&out, "out", "o", "identity.pem", "key file to write")
    cmd.Flags().IntVar(&bits, "bits", identity.DefaultKeyBits, "RSA modulus size")
    return cmd
}

func newFingerprintCmd() *cobra.Command {
    return &cobra.Command{
        Use:   "fingerprint <pem-file>",
        Short: "Print the device uuid of a private or public key PEM",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            b, err := os.ReadFile(args[0])
            if err != nil { return err }
            pub, err := identity.ParsePEM(b)
            if err != nil { return err }
            id, err := identity.Fingerprint(pub)
            if err != nil { return err }
            fmt.Fprintln(cmd.OutOrStdout(), id)
            return nil
        },
    }
}
