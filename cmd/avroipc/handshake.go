package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func handshakeCmd(flags *globalFlags) *cobra.Command {
	var showProtocol bool

	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Negotiate with the server and describe its protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := flags.connect(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			neg := conn.Negotiation()
			fmt.Fprintf(out, "match:       %s\n", neg.Match)
			fmt.Fprintf(out, "attempts:    %d\n", neg.Attempts)
			fmt.Fprintf(out, "server hash: %x\n", neg.ServerHash)

			p := conn.Protocol()
			if p == nil {
				return nil
			}
			fmt.Fprintf(out, "protocol:    %s\n", p.Name)
			for _, name := range p.MethodNames() {
				m, _ := p.Method(name)
				fmt.Fprintf(out, "  %s -> %s\n", m, m.ResponseSchema())
			}

			if showProtocol {
				fmt.Fprintln(out, p.Text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProtocol, "protocol", false, "Print the full protocol document")

	return cmd
}
