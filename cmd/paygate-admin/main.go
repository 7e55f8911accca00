package main

import (
	"github.com/turtacn/paygate/cmd/cli"
)

// main is the entry point for the paygate-admin command-line tool.
// main 是 paygate-admin 命令行工具的入口点。
func main() {
	cli.Execute()
}
