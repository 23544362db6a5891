// Command skeetman は予約投稿の配信サーバー。
//
//	skeetman [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/skeetman/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "skeetman: %v\n", err)
		os.Exit(1)
	}
}
