package main

import "fxwatcher/internal/cli"

func main() {
	cli.Execute()
}
