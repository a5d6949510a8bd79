package main

import "github.com/minhvu/mapflow/internal/cli"

func main() {
	cli.Execute()
}
