package main

import "github.com/btt-go/btt-sync/cmd"

// version 构建时通过 -ldflags 注入
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
