package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one retention sweep against the store's current iteration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.CollectGarbage(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("retention sweep complete")
		return nil
	},
}
