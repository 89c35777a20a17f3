package main

import "github.com/selfsession/authcore/internal/cli"

func main() {
	cli.Execute()
}
