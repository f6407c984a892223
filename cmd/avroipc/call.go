package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func callCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call METHOD [ARG...]",
		Short: "Call a method of the negotiated protocol",
		Long: `Call a method of the negotiated protocol and print the response as JSON.

Each ARG is a JSON value, bound positionally, or NAME=JSON to bind a
parameter by name. Values are converted to the declared parameter types;
an ARG that is not valid JSON is taken as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := flags.connect(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			p := conn.Protocol()
			if p == nil {
				return fmt.Errorf("server did not send a protocol")
			}
			method, err := p.Method(args[0])
			if err != nil {
				return err
			}

			callArgs, err := parseArgs(newTypeRegistry(p), method, args[1:])
			if err != nil {
				return err
			}

			res, err := conn.Call(cmd.Context(), method, callArgs)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	return cmd
}
