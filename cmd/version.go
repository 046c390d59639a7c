// Copyright (c) 2019-2020 The Zcash developers
// Distributed under the MIT software license, see the accompanying
// file COPYING or https://www.opensource.org/licenses/mit-license.php .
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the mirror release version.
const Version = "0.1.0"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display mirror version",
	Long:  `Display mirror version.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mirror version", Version)
	},
}
