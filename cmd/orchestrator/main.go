// Package main is the orchestrator binary.
package main

import "github.com/JakeFAU/crawl-orchestrator/cmd"

func main() {
	cmd.Execute()
}
