// Command payflow は文書署名ライフサイクルのAPIサーバーとワーカーを起動する。
//
//	payflow [serve|worker|sweep|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/payflow/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
