// Package main is the entrypoint for the snowmirror application.
package main

import "github.com/cragr/snowmirror/internal/cli"

func main() {
	cli.Execute()
}
