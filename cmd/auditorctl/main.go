package main

import "github.com/ocx/sentinel-auditor/internal/cli"

func main() {
	cli.Execute()
}
